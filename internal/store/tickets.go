// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HasOpenDuplicate reports whether an open or acknowledged ticket with the
// same (node_id, title) was created inside the dedup window.
func (s *Store) HasOpenDuplicate(ctx context.Context, nodeID uuid.UUID, title string, window time.Duration) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM maintenance_tickets
			WHERE node_id = $1
			  AND title = $2
			  AND status IN ('open', 'acknowledged')
			  AND created_at > NOW() - $3::interval
		)`, nodeID, title, intervalArg(window))
	if err != nil {
		return false, fmt.Errorf("store: duplicate lookup: %w", err)
	}
	return exists, nil
}

// InsertTicket creates a new maintenance ticket in open state.
func (s *Store) InsertTicket(ctx context.Context, t Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_tickets (ticket_id, node_id, severity, title, description, diagnostic_data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TicketID, t.NodeID, t.Severity, t.Title, t.Description, rawOrEmpty(t.DiagnosticData))
	if err != nil {
		return fmt.Errorf("store: insert ticket: %w", err)
	}
	return nil
}

// OpenTickets returns all open and acknowledged tickets, worst first.
func (s *Store) OpenTickets(ctx context.Context) ([]Ticket, error) {
	tickets := []Ticket{}
	err := s.db.SelectContext(ctx, &tickets, `
		SELECT * FROM maintenance_tickets
		WHERE status IN ('open', 'acknowledged')
		ORDER BY severity DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: open tickets: %w", err)
	}
	return tickets, nil
}

// UnacknowledgedAlerts returns open critical/high tickets created within the
// window, the set the alert dispatcher works through.
func (s *Store) UnacknowledgedAlerts(ctx context.Context, window time.Duration) ([]Ticket, error) {
	tickets := []Ticket{}
	err := s.db.SelectContext(ctx, &tickets, `
		SELECT * FROM maintenance_tickets
		WHERE severity IN ('critical', 'high')
		  AND status = 'open'
		  AND created_at > NOW() - $1::interval`,
		intervalArg(window))
	if err != nil {
		return nil, fmt.Errorf("store: unacknowledged alerts: %w", err)
	}
	return tickets, nil
}

// AcknowledgeTicket atomically flips an open ticket to acknowledged and
// stamps acknowledged_at.
func (s *Store) AcknowledgeTicket(ctx context.Context, ticketID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE maintenance_tickets
		SET status = 'acknowledged', acknowledged_at = NOW()
		WHERE ticket_id = $1 AND status = 'open'`, ticketID)
	if err != nil {
		return fmt.Errorf("store: acknowledge ticket: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
