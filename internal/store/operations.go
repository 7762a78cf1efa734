// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertOperation appends an edit operation to the log and returns its insert
// sequence. The sequence is the authority for history replay.
func (s *Store) InsertOperation(ctx context.Context, op EditOperation) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `
		INSERT INTO edit_operations
		(operation_id, twin_id, user_id, operation_type, component_path, operation_data, vector_clock)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		op.OperationID, op.TwinID, op.UserID, op.OperationType, op.ComponentPath,
		op.OperationData, op.VectorClock)
	if err != nil {
		return 0, fmt.Errorf("store: insert operation: %w", err)
	}
	return seq, nil
}

// ClockHighWatermark returns, per user, the maximum vector-clock counter seen
// across all operations of a twin.
func (s *Store) ClockHighWatermark(ctx context.Context, twinID uuid.UUID) (ClockMap, error) {
	rows := []struct {
		UserID  string `db:"user_id"`
		Counter int64  `db:"counter"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT kv.key AS user_id, MAX(kv.value::bigint) AS counter
		FROM edit_operations, jsonb_each_text(vector_clock) kv
		WHERE twin_id = $1
		GROUP BY kv.key`, twinID)
	if err != nil {
		return nil, fmt.Errorf("store: clock high watermark: %w", err)
	}
	clock := ClockMap{}
	for _, r := range rows {
		clock[r.UserID] = r.Counter
	}
	return clock, nil
}

// OperationsForTwin returns the operation log of a twin in insert order,
// starting after the given sequence.
func (s *Store) OperationsForTwin(ctx context.Context, twinID uuid.UUID, afterSeq int64, limit int) ([]EditOperation, error) {
	ops := []EditOperation{}
	err := s.db.SelectContext(ctx, &ops, `
		SELECT * FROM edit_operations
		WHERE twin_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, twinID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: operations for twin: %w", err)
	}
	return ops, nil
}
