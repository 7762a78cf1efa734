// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/metrics"
)

// Reaper periodically sweeps the shadow table for locks whose heartbeat
// lapsed past the grace period or whose lease expired, and force-releases
// them. This covers clients that vanish without a clean disconnect and
// shadow rows whose KV record was lost.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	grace    time.Duration
	logger   zerolog.Logger
}

// NewReaper builds a reaper sweeping every interval with the given heartbeat
// grace period.
func NewReaper(manager *Manager, interval, grace time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Run blocks, sweeping until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Dur("grace", r.grace).
		Msg("lock reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("lock reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				metrics.LoopIterationErrors.WithLabelValues("lock_reaper").Inc()
				r.logger.Error().Err(err).Msg("reaper sweep failed")
			} else if n > 0 {
				r.logger.Info().Int("reaped", n).Msg("stale locks released")
			}
		}
	}
}

// Sweep releases every stale lock once and returns how many it reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.manager.shadow.StaleLocks(ctx, r.grace)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, l := range stale {
		if err := r.manager.release(ctx, l); err != nil {
			r.logger.Error().Err(err).
				Str("lock_id", l.LockID.String()).
				Msg("stale lock release failed")
			continue
		}
		metrics.LocksReapedTotal.Inc()
		reaped++
	}
	return reaped, nil
}
