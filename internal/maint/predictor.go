// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/store"
)

const (
	predictionWindow  = 7 * 24 * time.Hour
	minPredictionRows = 100

	// trendThreshold is the per-day vibration growth (in g) below which the
	// trend is treated as flat.
	trendThreshold = 0.01
)

// PredictorRepo is the telemetry surface trend prediction reads from,
// satisfied by *store.Store.
type PredictorRepo interface {
	NodesWithRecentTelemetry(ctx context.Context, window time.Duration) ([]uuid.UUID, error)
	SamplesSince(ctx context.Context, nodeID uuid.UUID, window time.Duration) ([]store.Sample, error)
}

// Prediction is the trend projection for one node. TimeToFailureHours is nil
// when the vibration trend is flat or falling.
type Prediction struct {
	NodeID             uuid.UUID `json:"node_id"`
	TimeToFailureHours *float64  `json:"time_to_failure_hours"`
	FailureProbability float64   `json:"failure_probability"`
	VibrationTrend     float64   `json:"vibration_trend"`
	TemperatureTrend   float64   `json:"temperature_trend"`
	CurrentVibration   float64   `json:"current_vibration"`
}

// Predictor projects vibration trends to estimate time to failure.
type Predictor struct {
	repo    PredictorRepo
	tickets *Engine
	limits  config.Thresholds
	logger  zerolog.Logger
}

// NewPredictor builds a trend predictor.
func NewPredictor(repo PredictorRepo, tickets *Engine, limits config.Thresholds, logger zerolog.Logger) *Predictor {
	return &Predictor{repo: repo, tickets: tickets, limits: limits, logger: logger}
}

// Predict fits a linear trend over a node's last seven days of vibration and
// temperature readings. Returns nil without error when the node lacks the
// hundred samples the fit needs, or reports no usable readings.
//
// The slope is per sample; the ingest cadence is assumed roughly hourly, so
// slope*24 approximates growth per day.
func (p *Predictor) Predict(ctx context.Context, nodeID uuid.UUID) (*Prediction, error) {
	samples, err := p.repo.SamplesSince(ctx, nodeID, predictionWindow)
	if err != nil {
		return nil, err
	}
	if len(samples) < minPredictionRows {
		return nil, nil
	}

	vibs := vibrationMagnitudes(samples)
	temps := collectField(samples, func(s store.Sample) *float64 { return s.TemperatureC })
	if len(vibs) == 0 || len(temps) == 0 {
		return nil, nil
	}

	vibTrend := slope(vibs)
	tempTrend := slope(temps)

	tail := vibs
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	current := stat.Mean(tail, nil)

	pred := &Prediction{
		NodeID:           nodeID,
		VibrationTrend:   vibTrend,
		TemperatureTrend: tempTrend,
		CurrentVibration: current,
	}

	perDay := vibTrend * 24
	if perDay > trendThreshold {
		hours := (p.limits.VibrationCritical - current) / (perDay / 24)
		pred.TimeToFailureHours = &hours
		pred.FailureProbability = math.Min(1, current/p.limits.VibrationCritical)
	} else {
		pred.FailureProbability = 0.1
	}
	return pred, nil
}

// Sweep predicts every node that reported in the window and raises a
// critical ticket when the failure probability passes 0.7.
func (p *Predictor) Sweep(ctx context.Context) error {
	nodes, err := p.repo.NodesWithRecentTelemetry(ctx, predictionWindow)
	if err != nil {
		return err
	}

	for _, nodeID := range nodes {
		pred, err := p.Predict(ctx, nodeID)
		if err != nil {
			return err
		}
		if pred == nil || pred.FailureProbability <= 0.7 {
			continue
		}

		hours := 0.0
		if pred.TimeToFailureHours != nil {
			hours = *pred.TimeToFailureHours
		}
		err = p.tickets.Create(ctx, nodeID, SeverityCritical,
			"Predicted failure imminent",
			fmt.Sprintf("Predictive model indicates %.1f%% probability of failure within %.0f hours",
				pred.FailureProbability*100, hours),
			pred)
		if err != nil {
			return err
		}
	}
	return nil
}

// slope is the least-squares trend of values over their sample index.
func slope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, values, nil, false)
	return beta
}

func collectField(samples []store.Sample, get func(store.Sample) *float64) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v := get(s); v != nil {
			out = append(out, *v)
		}
	}
	return out
}
