// SPDX-License-Identifier: MIT

// Package ingest accepts telemetry from edge nodes and appends it to the
// time-series store. Timestamps are assigned server-side so skewed edge
// clocks cannot reorder history.
package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

// ErrEmptyBatch is returned when a batch submission carries no samples.
var ErrEmptyBatch = errors.New("ingest: empty batch")

// Sink is the telemetry store surface, satisfied by *store.Store.
type Sink interface {
	InsertSample(ctx context.Context, sm store.Sample) error
	InsertSamples(ctx context.Context, samples []store.Sample) error
}

// Service writes telemetry samples through to the sink.
type Service struct {
	sink   Sink
	logger zerolog.Logger
}

// New builds an ingest service.
func New(sink Sink, logger zerolog.Logger) *Service {
	return &Service{sink: sink, logger: logger}
}

// Ingest appends one sample.
func (s *Service) Ingest(ctx context.Context, sm store.Sample) error {
	if err := s.sink.InsertSample(ctx, sm); err != nil {
		return err
	}
	metrics.TelemetrySamplesTotal.Inc()
	return nil
}

// IngestBatch appends a batch of samples in one statement.
func (s *Service) IngestBatch(ctx context.Context, samples []store.Sample) error {
	if len(samples) == 0 {
		return ErrEmptyBatch
	}
	if err := s.sink.InsertSamples(ctx, samples); err != nil {
		return err
	}
	metrics.TelemetrySamplesTotal.Add(float64(len(samples)))
	s.logger.Debug().Int("count", len(samples)).Msg("telemetry batch ingested")
	return nil
}
