// SPDX-License-Identifier: MIT

package maint

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

// alertWindow bounds how far back the dispatcher looks for unhandled
// tickets. Older open tickets stay in the backlog but no longer page.
const alertWindow = time.Hour

// Alerter delivers one alert to the operations channel. Implementations
// must be safe to call from the dispatch loop.
type Alerter interface {
	Send(ctx context.Context, t store.Ticket) error
}

// LogAlerter writes alerts to the structured log. Stands in for an email or
// pager integration.
type LogAlerter struct {
	Logger zerolog.Logger
}

// Send logs the alert at warn level.
func (a LogAlerter) Send(_ context.Context, t store.Ticket) error {
	a.Logger.Warn().
		Str("ticket_id", t.TicketID.String()).
		Str("node_id", t.NodeID.String()).
		Str("severity", t.Severity).
		Str("title", t.Title).
		Msg("maintenance alert")
	return nil
}

// DispatchAlerts sends every open critical/high ticket from the last hour
// and acknowledges each one after a successful send, so a ticket pages at
// most once.
func DispatchAlerts(ctx context.Context, repo TicketRepo, alerter Alerter, logger zerolog.Logger) error {
	tickets, err := repo.UnacknowledgedAlerts(ctx, alertWindow)
	if err != nil {
		return err
	}

	for _, t := range tickets {
		if err := alerter.Send(ctx, t); err != nil {
			logger.Error().Err(err).
				Str("ticket_id", t.TicketID.String()).
				Msg("alert delivery failed")
			continue
		}
		if err := repo.AcknowledgeTicket(ctx, t.TicketID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		metrics.AlertsDispatchedTotal.Inc()
	}
	return nil
}
