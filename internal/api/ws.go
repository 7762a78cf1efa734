// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/twinforge/twinforge/internal/hub"
)

const wsWriteTimeout = 10 * time.Second

// wsTransport adapts a gorilla connection to the hub's Transport. The write
// mutex serializes frames; gorilla connections allow one concurrent writer.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close(code int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

// clientFrame is the envelope clients send over the socket.
type clientFrame struct {
	Type     string          `json:"type"`
	TwinID   uuid.UUID       `json:"twin_id"`
	Position json.RawMessage `json:"position"`
}

// handleWebSocket authenticates the session, attaches the connection to the
// hub and runs the read loop. Disconnecting for any reason detaches the
// session and releases every lock it held.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		writeBadRequest(w, "invalid session id")
		return
	}

	session, serr := s.storage.SessionByID(r.Context(), sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := &wsTransport{conn: conn}

	// Policy violation close after the upgrade so the client sees a
	// WebSocket-level rejection rather than an HTTP error.
	if serr != nil || !session.IsActive {
		_ = t.Close(websocket.ClosePolicyViolation)
		return
	}

	s.hub.Attach(sessionID, session.UserID, t)
	defer func() {
		s.hub.Detach(sessionID)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locks.ReleaseSessionLocks(ctx, sessionID); err != nil {
			s.logger.Warn().Err(err).
				Str("session_id", sessionID.String()).
				Msg("release session locks on disconnect")
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		s.dispatchFrame(r.Context(), sessionID, session.UserID, frame)
	}
}

func (s *Server) dispatchFrame(ctx context.Context, sessionID, userID uuid.UUID, frame clientFrame) {
	switch frame.Type {
	case "subscribe":
		if frame.TwinID == uuid.Nil {
			return
		}
		if s.hub.Subscribe(sessionID, frame.TwinID) {
			ack, _ := json.Marshal(map[string]any{
				"type":    "subscribed",
				"twin_id": frame.TwinID,
			})
			_ = s.hub.Send(ctx, sessionID, ack)
		}
	case "unsubscribe":
		s.hub.Unsubscribe(sessionID, frame.TwinID)
	case "heartbeat":
		pong, _ := json.Marshal(map[string]string{"type": "pong"})
		_ = s.hub.Send(ctx, sessionID, pong)
	case "cursor_move":
		if frame.TwinID == uuid.Nil {
			return
		}
		update, _ := json.Marshal(map[string]any{
			"type":     "cursor_update",
			"user_id":  userID,
			"position": frame.Position,
		})
		s.hub.Broadcast(ctx, frame.TwinID, "cursor_update", update, sessionID)
	default:
		s.logger.Debug().Str("type", frame.Type).Msg("unknown ws frame type")
	}
}

var _ hub.Transport = (*wsTransport)(nil)
