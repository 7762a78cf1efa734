// SPDX-License-Identifier: MIT

package edit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

// ErrUnauthorized is returned when the submitting user holds no active lock
// covering the edited component.
var ErrUnauthorized = errors.New("edit: no lock covering component")

// Log is the durable operation log, satisfied by *store.Store.
type Log interface {
	ActiveLockCovering(ctx context.Context, twinID, userID uuid.UUID, componentPath string) (store.EditLock, error)
	ClockHighWatermark(ctx context.Context, twinID uuid.UUID) (store.ClockMap, error)
	InsertOperation(ctx context.Context, op store.EditOperation) (int64, error)
}

// Broadcaster fans accepted operations out to local subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, twinID uuid.UUID, frameType string, payload []byte, exclude uuid.UUID) int
}

// Publisher relays accepted operations to peer server instances.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// OpsChannel is the pub/sub channel carrying accepted operations between
// server instances.
const OpsChannel = "twin:ops"

// Op is one edit submission from a client.
type Op struct {
	TwinID        uuid.UUID
	UserID        uuid.UUID
	SessionID     uuid.UUID
	OperationType string
	ComponentPath string
	Data          types.JSONText
	Clock         store.ClockMap
}

// Pipeline validates, orders, persists and distributes edit operations.
type Pipeline struct {
	log       Log
	local     Broadcaster
	publisher Publisher
	instance  string
	logger    zerolog.Logger
}

// NewPipeline wires the edit pipeline. The instance id tags relayed
// operations so peers can drop their own echoes.
func NewPipeline(log Log, local Broadcaster, publisher Publisher, instance string, logger zerolog.Logger) *Pipeline {
	return &Pipeline{log: log, local: local, publisher: publisher, instance: instance, logger: logger}
}

// Submit runs one operation through the pipeline: lock authorization, clock
// merge against the twin's high watermark, durable append, then fan-out to
// every subscriber except the originating session. The persisted operation
// with its assigned sequence is returned.
func (p *Pipeline) Submit(ctx context.Context, op Op) (store.EditOperation, error) {
	_, err := p.log.ActiveLockCovering(ctx, op.TwinID, op.UserID, op.ComponentPath)
	if errors.Is(err, store.ErrNotFound) {
		return store.EditOperation{}, ErrUnauthorized
	}
	if err != nil {
		return store.EditOperation{}, err
	}

	watermark, err := p.log.ClockHighWatermark(ctx, op.TwinID)
	if err != nil {
		return store.EditOperation{}, err
	}
	clock := Tick(Merge(op.Clock, watermark), op.UserID.String())

	rec := store.EditOperation{
		OperationID:   uuid.New(),
		TwinID:        op.TwinID,
		UserID:        op.UserID,
		OperationType: op.OperationType,
		ComponentPath: op.ComponentPath,
		OperationData: op.Data,
		VectorClock:   clock,
		CreatedAt:     time.Now().UTC(),
	}
	seq, err := p.log.InsertOperation(ctx, rec)
	if err != nil {
		return store.EditOperation{}, err
	}
	rec.Seq = seq
	metrics.EditOperationsTotal.Inc()

	frame, err := json.Marshal(operationFrame{
		Type:        "edit_operation",
		OperationID: rec.OperationID,
		UserID:      rec.UserID,
		Operation:   toWire(rec),
	})
	if err != nil {
		return store.EditOperation{}, fmt.Errorf("edit: encode frame: %w", err)
	}

	p.local.Broadcast(ctx, op.TwinID, "edit_operation", frame, op.SessionID)

	envelope, err := json.Marshal(relayEnvelope{
		Origin: p.instance,
		TwinID: op.TwinID,
		Frame:  frame,
	})
	if err != nil {
		return store.EditOperation{}, fmt.Errorf("edit: encode envelope: %w", err)
	}
	if err := p.publisher.Publish(ctx, OpsChannel, envelope); err != nil {
		// Peer relay is best-effort; local state is already durable.
		p.logger.Warn().Err(err).Str("twin_id", op.TwinID.String()).Msg("operation relay failed")
	}

	p.logger.Debug().
		Int64("seq", seq).
		Str("twin_id", op.TwinID.String()).
		Str("component", op.ComponentPath).
		Str("op_type", op.OperationType).
		Msg("operation accepted")

	return rec, nil
}

// operationFrame is the wire shape of a distributed operation. The origin and
// id ride at the top level so clients can filter without decoding the body.
type operationFrame struct {
	Type        string        `json:"type"`
	OperationID uuid.UUID     `json:"operation_id"`
	UserID      uuid.UUID     `json:"user_id"`
	Operation   WireOperation `json:"operation"`
}

// WireOperation is the client-facing JSON form of a persisted operation.
type WireOperation struct {
	Seq           int64          `json:"seq"`
	OperationID   uuid.UUID      `json:"operation_id"`
	TwinID        uuid.UUID      `json:"twin_id"`
	UserID        uuid.UUID      `json:"user_id"`
	OperationType string         `json:"operation_type"`
	ComponentPath string         `json:"component_path"`
	OperationData types.JSONText `json:"operation_data"`
	VectorClock   store.ClockMap `json:"vector_clock"`
	CreatedAt     time.Time      `json:"created_at"`
}

func toWire(op store.EditOperation) WireOperation {
	return WireOperation{
		Seq:           op.Seq,
		OperationID:   op.OperationID,
		TwinID:        op.TwinID,
		UserID:        op.UserID,
		OperationType: op.OperationType,
		ComponentPath: op.ComponentPath,
		OperationData: op.OperationData,
		VectorClock:   op.VectorClock,
		CreatedAt:     op.CreatedAt,
	}
}
