// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

// DedupWindow suppresses repeat tickets for the same finding on the same
// node. Threshold checks fire every monitor tick, so without this every
// sustained violation would flood the backlog.
const DedupWindow = 24 * time.Hour

// TicketRepo is the ticket storage surface, satisfied by *store.Store.
type TicketRepo interface {
	HasOpenDuplicate(ctx context.Context, nodeID uuid.UUID, title string, window time.Duration) (bool, error)
	InsertTicket(ctx context.Context, t store.Ticket) error
	OpenTickets(ctx context.Context) ([]store.Ticket, error)
	UnacknowledgedAlerts(ctx context.Context, window time.Duration) ([]store.Ticket, error)
	AcknowledgeTicket(ctx context.Context, ticketID uuid.UUID) error
}

// Engine creates and ranks maintenance tickets.
type Engine struct {
	repo   TicketRepo
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine builds a ticket engine.
func NewEngine(repo TicketRepo, logger zerolog.Logger) *Engine {
	return &Engine{repo: repo, logger: logger, now: time.Now}
}

// Create opens a ticket unless an open or acknowledged one with the same
// title exists for the node inside the dedup window.
func (e *Engine) Create(ctx context.Context, nodeID uuid.UUID, severity Severity, title, description string, diagnostic any) error {
	dup, err := e.repo.HasOpenDuplicate(ctx, nodeID, title, DedupWindow)
	if err != nil {
		return err
	}
	if dup {
		metrics.TicketsDedupedTotal.Inc()
		e.logger.Debug().
			Str("node_id", nodeID.String()).
			Str("title", title).
			Msg("duplicate ticket suppressed")
		return nil
	}

	diag, err := json.Marshal(diagnostic)
	if err != nil {
		return fmt.Errorf("maint: encode diagnostics: %w", err)
	}

	if err := e.repo.InsertTicket(ctx, store.Ticket{
		TicketID:       uuid.New(),
		NodeID:         nodeID,
		Severity:       string(severity),
		Title:          title,
		Description:    description,
		DiagnosticData: diag,
	}); err != nil {
		return err
	}

	metrics.TicketsCreatedTotal.WithLabelValues(string(severity)).Inc()
	e.logger.Info().
		Str("node_id", nodeID.String()).
		Str("severity", string(severity)).
		Str("title", title).
		Msg("maintenance ticket created")
	return nil
}

var severityWeights = map[string]float64{
	string(SeverityCritical): 100,
	string(SeverityHigh):     75,
	string(SeverityMedium):   50,
	string(SeverityLow):      25,
}

// Prioritize orders tickets by severity weight plus an age boost of half a
// point per hour, so old medium tickets eventually outrank fresh high ones.
func (e *Engine) Prioritize(tickets []store.Ticket) []store.Ticket {
	now := e.now()
	out := make([]store.Ticket, len(tickets))
	copy(out, tickets)

	score := func(t store.Ticket) float64 {
		s := severityWeights[t.Severity]
		s += now.Sub(t.CreatedAt).Hours() * 0.5
		return s
	}
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	return out
}
