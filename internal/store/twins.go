// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// NewTwin carries the fields needed to create a twin with its initial version.
type NewTwin struct {
	TwinID         uuid.UUID
	Name           string
	Description    *string
	TwinType       string
	CreatedBy      uuid.UUID
	OrganizationID *uuid.UUID
	Tags           StringList
	Properties     types.JSONText
}

// CreateTwin inserts a twin and its version 1 snapshot in one transaction.
// Returns the initial version id.
func (s *Store) CreateTwin(ctx context.Context, t NewTwin) (uuid.UUID, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create twin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO digital_twins (twin_id, name, description, twin_type, created_by, organization_id, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.TwinID, t.Name, t.Description, t.TwinType, t.CreatedBy, t.OrganizationID, t.Tags)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create twin: %w", err)
	}

	versionID := uuid.New()
	props := t.Properties
	if props == nil {
		props = types.JSONText("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO twin_versions (version_id, twin_id, version_number, created_by, properties, is_latest)
		VALUES ($1, $2, 1, $3, $4, TRUE)`,
		versionID, t.TwinID, t.CreatedBy, props)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create initial version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("store: create twin: %w", err)
	}
	return versionID, nil
}

// ListTwins returns twins in an organization joined with their latest version,
// newest first.
func (s *Store) ListTwins(ctx context.Context, orgID *uuid.UUID, skip, limit int) ([]Twin, error) {
	twins := []Twin{}
	err := s.db.SelectContext(ctx, &twins, `
		SELECT dt.twin_id, dt.name, dt.description, dt.twin_type, dt.created_by,
		       dt.organization_id, dt.tags, dt.created_at,
		       tv.version_number, tv.properties
		FROM digital_twins dt
		JOIN twin_versions tv ON dt.twin_id = tv.twin_id AND tv.is_latest = TRUE
		WHERE dt.organization_id IS NOT DISTINCT FROM $1
		ORDER BY dt.created_at DESC
		LIMIT $2 OFFSET $3`,
		orgID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("store: list twins: %w", err)
	}
	return twins, nil
}

// TwinExists reports whether a twin row exists.
func (s *Store) TwinExists(ctx context.Context, twinID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM digital_twins WHERE twin_id = $1)`, twinID)
	if err != nil {
		return false, fmt.Errorf("store: twin exists: %w", err)
	}
	return exists, nil
}

// NewVersion carries the fields for a version snapshot.
type NewVersion struct {
	TwinID        uuid.UUID
	CreatedBy     uuid.UUID
	CommitMessage string
	ModelURL      string
	ModelFormat   string
	Properties    types.JSONText
}

// CreateVersion appends a new version snapshot and moves the is_latest marker
// in a single transaction. Returns the version id and its number.
func (s *Store) CreateVersion(ctx context.Context, v NewVersion) (uuid.UUID, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("store: create version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	err = tx.GetContext(ctx, &current,
		`SELECT MAX(version_number) FROM twin_versions WHERE twin_id = $1`, v.TwinID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, 0, fmt.Errorf("store: create version: %w", err)
	}
	next := int(current.Int64) + 1

	_, err = tx.ExecContext(ctx,
		`UPDATE twin_versions SET is_latest = FALSE WHERE twin_id = $1 AND is_latest = TRUE`, v.TwinID)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("store: clear latest marker: %w", err)
	}

	versionID := uuid.New()
	props := v.Properties
	if props == nil {
		props = types.JSONText("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO twin_versions
		(version_id, twin_id, version_number, created_by, commit_message, model_url, model_format, properties, is_latest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
		versionID, v.TwinID, next, v.CreatedBy, v.CommitMessage, v.ModelURL, v.ModelFormat, props)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("store: insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, 0, fmt.Errorf("store: create version: %w", err)
	}
	return versionID, next, nil
}
