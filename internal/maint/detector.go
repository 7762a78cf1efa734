// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/anomaly"
	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

const (
	trainingWindow  = 30 * 24 * time.Hour
	trainingLimit   = 10000
	minTrainingRows = 100

	// detectorSeed keeps retrains on unchanged data from flapping between
	// verdicts.
	detectorSeed = 42
)

// DetectorRepo is the telemetry surface anomaly detection reads from,
// satisfied by *store.Store.
type DetectorRepo interface {
	AllNodeIDs(ctx context.Context) ([]uuid.UUID, error)
	CleanSamples(ctx context.Context, nodeID uuid.UUID, window time.Duration, limit int) ([]store.Sample, error)
	LatestSample(ctx context.Context, nodeID uuid.UUID) (store.Sample, error)
}

// Detector keeps one isolation forest per node and flags operating points
// that fall outside the node's learned envelope.
type Detector struct {
	repo    DetectorRepo
	tickets *Engine
	logger  zerolog.Logger

	mu     sync.RWMutex
	models map[uuid.UUID]*anomaly.Forest
}

// NewDetector builds a detector with an empty model cache.
func NewDetector(repo DetectorRepo, tickets *Engine, logger zerolog.Logger) *Detector {
	return &Detector{
		repo:    repo,
		tickets: tickets,
		logger:  logger,
		models:  make(map[uuid.UUID]*anomaly.Forest),
	}
}

// Train fits a forest per node from its last 30 days of error-free
// telemetry. Nodes with fewer than 100 clean rows are skipped and keep any
// previously trained model.
func (d *Detector) Train(ctx context.Context) error {
	nodes, err := d.repo.AllNodeIDs(ctx)
	if err != nil {
		return err
	}

	trained := 0
	for _, nodeID := range nodes {
		samples, err := d.repo.CleanSamples(ctx, nodeID, trainingWindow, trainingLimit)
		if err != nil {
			return err
		}
		if len(samples) < minTrainingRows {
			continue
		}

		data := make([][]float64, len(samples))
		for i, s := range samples {
			data[i] = featureVector(s)
		}
		forest, err := anomaly.Fit(data, anomaly.Options{Seed: detectorSeed})
		if err != nil {
			return fmt.Errorf("maint: train node %s: %w", nodeID, err)
		}

		d.mu.Lock()
		d.models[nodeID] = forest
		d.mu.Unlock()
		trained++
	}

	d.logger.Info().Int("models", trained).Msg("anomaly detectors trained")
	return nil
}

// Check scores a node's most recent sample against its model. Nodes without
// a trained model or without telemetry are skipped silently.
func (d *Detector) Check(ctx context.Context, nodeID uuid.UUID) error {
	d.mu.RLock()
	forest, ok := d.models[nodeID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	sample, err := d.repo.LatestSample(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	score, class := forest.Classify(featureVector(sample))
	if class != anomaly.Anomaly {
		return nil
	}
	metrics.AnomaliesTotal.Inc()

	return d.tickets.Create(ctx, nodeID, SeverityHigh,
		"Anomalous behavior detected",
		fmt.Sprintf("Machine learning model detected abnormal operation pattern. Anomaly score: %.3f", score),
		map[string]any{
			"anomaly_score": score,
			"rpm":           sample.RPM,
			"temperature":   sample.TemperatureC,
		})
}

// featureVector flattens a sample into the detector's feature space.
// Missing fields train and score as zero.
func featureVector(s store.Sample) []float64 {
	return []float64{
		orZero(s.RPM),
		orZero(s.TorqueNM),
		orZero(s.VibrationX),
		orZero(s.VibrationY),
		orZero(s.VibrationZ),
		orZero(s.TemperatureC),
		orZero(s.PowerW),
	}
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
