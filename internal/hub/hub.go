// SPDX-License-Identifier: MIT

// Package hub tracks live editing connections and fans frames out to twin
// subscribers. It is transport-agnostic: the WebSocket layer hands it an
// attached Transport per session and the hub never blocks on a slow peer
// beyond the transport's own write deadline.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/metrics"
)

// Transport is one live peer connection. Send must be safe for concurrent
// use; Close must tolerate being called more than once.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close(code int) error
}

// conn is the hub-side state for one attached session.
type conn struct {
	userID    uuid.UUID
	transport Transport
	twins     map[uuid.UUID]struct{}
}

// Hub is the in-process connection registry. One instance per server.
type Hub struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*conn                  // session -> connection
	subs   map[uuid.UUID]map[uuid.UUID]struct{} // twin -> sessions
	logger zerolog.Logger
}

// New builds an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  make(map[uuid.UUID]*conn),
		subs:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		logger: logger,
	}
}

// Attach registers a session's transport. Attaching a session that is already
// attached replaces its transport and closes the old one; subscriptions carry
// over.
func (h *Hub) Attach(sessionID, userID uuid.UUID, t Transport) {
	var stale Transport
	h.mu.Lock()
	if c, ok := h.conns[sessionID]; ok {
		stale = c.transport
		c.transport = t
		c.userID = userID
	} else {
		h.conns[sessionID] = &conn{userID: userID, transport: t, twins: make(map[uuid.UUID]struct{})}
		metrics.ActiveConnections.Inc()
	}
	h.mu.Unlock()

	if stale != nil {
		_ = stale.Close(1000)
	}

	h.logger.Debug().Str("session_id", sessionID.String()).Msg("session attached")
}

// Detach removes a session and all its subscriptions. Detaching an unknown
// session is a no-op, so disconnect paths can call it unconditionally.
func (h *Hub) Detach(sessionID uuid.UUID) {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	if ok {
		h.removeLocked(sessionID, c)
	}
	h.mu.Unlock()

	if ok {
		_ = c.transport.Close(1000)
		h.logger.Debug().Str("session_id", sessionID.String()).Msg("session detached")
	}
}

// removeLocked drops a session from every index. Caller holds h.mu.
func (h *Hub) removeLocked(sessionID uuid.UUID, c *conn) {
	for twinID := range c.twins {
		delete(h.subs[twinID], sessionID)
		if len(h.subs[twinID]) == 0 {
			delete(h.subs, twinID)
		}
	}
	delete(h.conns, sessionID)
	metrics.ActiveConnections.Dec()
}

// Subscribe adds a session to a twin's broadcast group. Returns false when
// the session is not attached.
func (h *Hub) Subscribe(sessionID, twinID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[sessionID]
	if !ok {
		return false
	}
	c.twins[twinID] = struct{}{}
	if h.subs[twinID] == nil {
		h.subs[twinID] = make(map[uuid.UUID]struct{})
	}
	h.subs[twinID][sessionID] = struct{}{}
	return true
}

// Unsubscribe removes a session from a twin's broadcast group.
func (h *Hub) Unsubscribe(sessionID, twinID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[sessionID]
	if !ok {
		return
	}
	delete(c.twins, twinID)
	delete(h.subs[twinID], sessionID)
	if len(h.subs[twinID]) == 0 {
		delete(h.subs, twinID)
	}
}

// Broadcast fans a frame out to every subscriber of a twin except the
// excluded session. Peers whose send fails are pruned after the fan-out so a
// dead connection cannot wedge the group. Returns the number of successful
// deliveries.
func (h *Hub) Broadcast(ctx context.Context, twinID uuid.UUID, frameType string, payload []byte, exclude uuid.UUID) int {
	h.mu.Lock()
	targets := make(map[uuid.UUID]Transport, len(h.subs[twinID]))
	for sessionID := range h.subs[twinID] {
		if sessionID == exclude {
			continue
		}
		targets[sessionID] = h.conns[sessionID].transport
	}
	h.mu.Unlock()

	var dead []uuid.UUID
	delivered := 0
	for sessionID, t := range targets {
		if err := t.Send(ctx, payload); err != nil {
			dead = append(dead, sessionID)
			continue
		}
		delivered++
	}

	metrics.BroadcastsTotal.WithLabelValues(frameType).Inc()
	for _, sessionID := range dead {
		h.prune(sessionID)
	}
	return delivered
}

// Send delivers a frame to one session. A failed send prunes the session.
func (h *Hub) Send(ctx context.Context, sessionID uuid.UUID, payload []byte) error {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.transport.Send(ctx, payload); err != nil {
		h.prune(sessionID)
		return err
	}
	return nil
}

// prune drops a session whose transport failed.
func (h *Hub) prune(sessionID uuid.UUID) {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	if ok {
		h.removeLocked(sessionID, c)
	}
	h.mu.Unlock()

	if ok {
		_ = c.transport.Close(1001)
		metrics.DeadPeersTotal.Inc()
		h.logger.Warn().Str("session_id", sessionID.String()).Msg("dead peer pruned")
	}
}

// Count returns the number of sessions subscribed to a twin.
func (h *Hub) Count(twinID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[twinID])
}

// Connections returns the number of attached sessions.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Attached reports whether a session currently has a live transport.
func (h *Hub) Attached(sessionID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[sessionID]
	return ok
}

// RunHeartbeat pings every attached session on the given cadence until ctx
// is cancelled. Sessions that fail the ping are pruned, which frees their
// locks through the disconnect path of the WebSocket handler.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration, ping []byte) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.mu.Lock()
			targets := make(map[uuid.UUID]Transport, len(h.conns))
			for sessionID, c := range h.conns {
				targets[sessionID] = c.transport
			}
			h.mu.Unlock()

			for sessionID, t := range targets {
				if err := t.Send(ctx, ping); err != nil {
					h.prune(sessionID)
				}
			}
		}
	}
}
