// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

// AgentRepo is the full storage surface the agent loops need, satisfied by
// *store.Store.
type AgentRepo interface {
	TicketRepo
	AssessorRepo
	DetectorRepo
	PredictorRepo
	OnlineNodes(ctx context.Context) ([]store.Node, error)
}

// Agent runs the four maintenance loops: telemetry monitoring, failure
// prediction, schedule optimization and alert dispatch. One iteration
// failing is logged and skipped; the loops themselves only stop on ctx
// cancellation.
type Agent struct {
	cfg       config.Agent
	repo      AgentRepo
	assessor  *Assessor
	detector  *Detector
	predictor *Predictor
	tickets   *Engine
	alerter   Alerter
	logger    zerolog.Logger

	healthMu sync.RWMutex
	health   map[uuid.UUID]Health
}

// NewAgent wires the agent from its configuration.
func NewAgent(cfg config.Agent, repo AgentRepo, alerter Alerter, logger zerolog.Logger) *Agent {
	tickets := NewEngine(repo, logger)
	return &Agent{
		cfg:       cfg,
		repo:      repo,
		assessor:  NewAssessor(repo, cfg.Thresholds, logger),
		detector:  NewDetector(repo, tickets, logger),
		predictor: NewPredictor(repo, tickets, cfg.Thresholds, logger),
		tickets:   tickets,
		alerter:   alerter,
		logger:    logger,
		health:    make(map[uuid.UUID]Health),
	}
}

// Run trains the anomaly models, then drives all four loops until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.detector.Train(ctx); err != nil {
		// Start without models rather than not at all; threshold checks and
		// trend prediction do not depend on them.
		a.logger.Error().Err(err).Msg("initial detector training failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(ctx, "monitor", a.cfg.MonitorInterval, a.monitorPass) })
	g.Go(func() error { return a.loop(ctx, "predictor", a.cfg.PredictorInterval, a.predictor.Sweep) })
	g.Go(func() error { return a.loop(ctx, "optimizer", a.cfg.OptimizerInterval, a.optimizePass) })
	g.Go(func() error {
		return a.loop(ctx, "alerts", a.cfg.AlertInterval, func(ctx context.Context) error {
			return DispatchAlerts(ctx, a.repo, a.alerter, a.logger)
		})
	})
	return g.Wait()
}

// loop runs pass immediately and then on every tick. Pass errors never stop
// the loop.
func (a *Agent) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) error {
	a.logger.Info().Str("loop", name).Dur("interval", interval).Msg("loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			metrics.LoopIterationErrors.WithLabelValues(name).Inc()
			a.logger.Error().Err(err).Str("loop", name).Msg("loop iteration failed")
		}
		select {
		case <-ctx.Done():
			a.logger.Info().Str("loop", name).Msg("loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// monitorPass assesses every online node, raises threshold tickets and runs
// the anomaly check. Per-node failures are logged and the pass moves on.
func (a *Agent) monitorPass(ctx context.Context) error {
	nodes, err := a.repo.OnlineNodes(ctx)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		h, err := a.assessor.Assess(ctx, node.NodeID)
		if err != nil {
			a.logger.Error().Err(err).Str("node_id", node.NodeID.String()).Msg("health assessment failed")
			continue
		}
		a.healthMu.Lock()
		a.health[node.NodeID] = h
		a.healthMu.Unlock()

		if h.Status != "online" {
			continue
		}
		if err := checkThresholds(ctx, a.tickets, h, a.cfg.Thresholds); err != nil {
			a.logger.Error().Err(err).Str("node_id", node.NodeID.String()).Msg("threshold check failed")
		}
		if err := a.detector.Check(ctx, node.NodeID); err != nil {
			a.logger.Error().Err(err).Str("node_id", node.NodeID.String()).Msg("anomaly check failed")
		}
	}
	return nil
}

// optimizePass ranks the open backlog and logs a recommendation for the ten
// most pressing tickets.
func (a *Agent) optimizePass(ctx context.Context) error {
	tickets, err := a.repo.OpenTickets(ctx)
	if err != nil {
		return err
	}

	prioritized := a.tickets.Prioritize(tickets)
	if len(prioritized) > 10 {
		prioritized = prioritized[:10]
	}

	for _, t := range prioritized {
		h, ok := a.CachedHealth(t.NodeID)
		if !ok {
			h, err = a.assessor.Assess(ctx, t.NodeID)
			if err != nil {
				a.logger.Error().Err(err).Str("node_id", t.NodeID.String()).Msg("assessment for recommendation failed")
				continue
			}
		}
		rec := Recommend(t, h, a.cfg.Thresholds)
		a.logger.Info().
			Str("node_id", t.NodeID.String()).
			Str("severity", string(rec.Severity)).
			Str("action", rec.RecommendedAction).
			Int("urgency_hours", rec.UrgencyHours).
			Float64("estimated_cost", rec.EstimatedCost).
			Msg("maintenance recommendation")
	}
	return nil
}

// CachedHealth returns the last assessed health of a node, if any.
func (a *Agent) CachedHealth(nodeID uuid.UUID) (Health, bool) {
	a.healthMu.RLock()
	defer a.healthMu.RUnlock()
	h, ok := a.health[nodeID]
	return h, ok
}
