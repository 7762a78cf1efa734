// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// OnlineNodes returns all nodes currently marked online.
func (s *Store) OnlineNodes(ctx context.Context) ([]Node, error) {
	nodes := []Node{}
	err := s.db.SelectContext(ctx, &nodes,
		`SELECT * FROM machine_nodes WHERE status = 'online'`)
	if err != nil {
		return nil, fmt.Errorf("store: online nodes: %w", err)
	}
	return nodes, nil
}

// NodeByID returns a node row.
func (s *Store) NodeByID(ctx context.Context, id uuid.UUID) (Node, error) {
	var n Node
	err := s.db.GetContext(ctx, &n,
		`SELECT * FROM machine_nodes WHERE node_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("store: node by id: %w", err)
	}
	return n, nil
}

// AllNodeIDs returns every known node id.
func (s *Store) AllNodeIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := s.db.SelectContext(ctx, &ids, `SELECT node_id FROM machine_nodes`)
	if err != nil {
		return nil, fmt.Errorf("store: all node ids: %w", err)
	}
	return ids, nil
}
