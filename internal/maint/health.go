// SPDX-License-Identifier: MIT

// Package maint is the fleet maintenance brain: it scores node health from
// recent telemetry, raises tickets on threshold violations, flags anomalous
// operation with a per-node isolation forest, projects vibration trends into
// failure predictions, and turns the ticket backlog into a prioritized work
// plan.
package maint

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/store"
)

const (
	assessWindow = 5 * time.Minute
	assessLimit  = 100

	// unknownMaintenanceDays is assumed when a node has no maintenance
	// history, pushing its freshness score to effectively zero.
	unknownMaintenanceDays = 9999

	// maintenanceHalfLife is the decay constant of the freshness score.
	maintenanceHalfLife = 180.0
)

// Severity ranks a maintenance finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Health is the assessed condition of one node.
type Health struct {
	NodeID                uuid.UUID
	Status                string
	Score                 float64
	Vibration             float64
	Temperature           float64
	RPM                   float64
	ToolWear              float64
	DaysSinceMaintenance  int
	PredictedFailureHours *float64
}

// AssessorRepo is the telemetry surface health assessment reads from,
// satisfied by *store.Store.
type AssessorRepo interface {
	RecentSamples(ctx context.Context, nodeID uuid.UUID, window time.Duration, limit int) ([]store.Sample, error)
	NodeByID(ctx context.Context, nodeID uuid.UUID) (store.Node, error)
}

// Assessor computes composite health scores.
type Assessor struct {
	repo   AssessorRepo
	limits config.Thresholds
	logger zerolog.Logger
	now    func() time.Time
}

// NewAssessor builds an assessor with the given condition limits.
func NewAssessor(repo AssessorRepo, limits config.Thresholds, logger zerolog.Logger) *Assessor {
	return &Assessor{repo: repo, limits: limits, logger: logger, now: time.Now}
}

// Assess scores a node from its last five minutes of telemetry. A node with
// no recent telemetry comes back with status "unknown" and a zero score.
func (a *Assessor) Assess(ctx context.Context, nodeID uuid.UUID) (Health, error) {
	samples, err := a.repo.RecentSamples(ctx, nodeID, assessWindow, assessLimit)
	if err != nil {
		return Health{}, err
	}
	if len(samples) == 0 {
		return Health{
			NodeID:               nodeID,
			Status:               "unknown",
			DaysSinceMaintenance: unknownMaintenanceDays,
		}, nil
	}

	vib := meanFloat(vibrationMagnitudes(samples))
	temp := meanField(samples, func(s store.Sample) *float64 { return s.TemperatureC })
	rpm := meanField(samples, func(s store.Sample) *float64 { return s.RPM })
	wear := meanField(samples, func(s store.Sample) *float64 { return s.ToolWear })

	days := 0
	node, err := a.repo.NodeByID(ctx, nodeID)
	switch {
	case err == nil && node.LastMaintenanceDate != nil:
		days = int(a.now().Sub(*node.LastMaintenanceDate).Hours() / 24)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Health{}, err
	}

	h := Health{
		NodeID:               nodeID,
		Status:               "online",
		Score:                Score(vib, temp, wear, days, a.limits),
		Vibration:            vib,
		Temperature:          temp,
		RPM:                  rpm,
		ToolWear:             wear,
		DaysSinceMaintenance: days,
	}
	h.PredictedFailureHours = shortTermFailureHours(samples, a.limits)
	return h, nil
}

// Score folds the condition metrics into one 0-100 figure, higher is
// healthier. Vibration and temperature score inversely against their
// critical limits, tool wear counts down from 100 directly, and maintenance
// freshness decays exponentially with a 180-day half-life.
func Score(vibration, temperature, toolWear float64, daysSinceMaintenance int, limits config.Thresholds) float64 {
	vibScore := math.Max(0, 100-(vibration/limits.VibrationCritical)*100)
	tempScore := math.Max(0, 100-(temperature/limits.TemperatureCritical)*100)
	wearScore := math.Max(0, 100-toolWear)
	maintScore := 100 * math.Exp(-float64(daysSinceMaintenance)/maintenanceHalfLife)

	score := 0.3*vibScore + 0.25*tempScore + 0.25*wearScore + 0.2*maintScore
	return math.Max(0, math.Min(100, score))
}

// shortTermFailureHours is the quick failure estimate attached to a health
// assessment: zero at or past the critical vibration limit, otherwise a
// linear runway off a 720-hour horizon. Needs at least two vibration
// readings.
func shortTermFailureHours(samples []store.Sample, limits config.Thresholds) *float64 {
	vibs := vibrationMagnitudes(samples)
	if len(vibs) < 2 {
		return nil
	}
	avg := meanFloat(vibs)
	hours := 0.0
	if avg < limits.VibrationCritical {
		hours = 720 * (1 - avg/limits.VibrationCritical)
	}
	return &hours
}

// vibrationMagnitudes returns the 3-axis magnitude for every sample that
// reports all three axes.
func vibrationMagnitudes(samples []store.Sample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.VibrationX == nil || s.VibrationY == nil || s.VibrationZ == nil {
			continue
		}
		out = append(out, math.Sqrt(*s.VibrationX**s.VibrationX+
			*s.VibrationY**s.VibrationY+
			*s.VibrationZ**s.VibrationZ))
	}
	return out
}

func meanField(samples []store.Sample, get func(store.Sample) *float64) float64 {
	var sum float64
	n := 0
	for _, s := range samples {
		if v := get(s); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func meanFloat(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
