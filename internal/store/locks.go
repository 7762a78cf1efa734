// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertLock writes the durable shadow row for a freshly acquired lock.
func (s *Store) InsertLock(ctx context.Context, l EditLock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_locks
		(lock_id, twin_id, user_id, session_id, lock_type, locked_components, acquired_at, expires_at, heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)`,
		l.LockID, l.TwinID, l.UserID, l.SessionID, l.LockType, l.Components, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert lock: %w", err)
	}
	return nil
}

// LockByID returns the shadow row for a lock, active or not.
func (s *Store) LockByID(ctx context.Context, lockID uuid.UUID) (EditLock, error) {
	var l EditLock
	err := s.db.GetContext(ctx, &l,
		`SELECT * FROM edit_locks WHERE lock_id = $1`, lockID)
	if errors.Is(err, sql.ErrNoRows) {
		return EditLock{}, ErrNotFound
	}
	if err != nil {
		return EditLock{}, fmt.Errorf("store: lock by id: %w", err)
	}
	return l, nil
}

// ActiveLocksForSession returns the active locks owned by a session. Used to
// release lock ownership when the owning session terminates.
func (s *Store) ActiveLocksForSession(ctx context.Context, sessionID uuid.UUID) ([]EditLock, error) {
	locks := []EditLock{}
	err := s.db.SelectContext(ctx, &locks,
		`SELECT * FROM edit_locks WHERE session_id = $1 AND is_active = TRUE`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: locks for session: %w", err)
	}
	return locks, nil
}

// ActiveLockCovering returns an active lock held by user on twin whose
// component set covers componentPath, or ErrNotFound. Coverage is an exact
// match or a locked prefix at a dot boundary.
func (s *Store) ActiveLockCovering(ctx context.Context, twinID, userID uuid.UUID, componentPath string) (EditLock, error) {
	locks := []EditLock{}
	err := s.db.SelectContext(ctx, &locks, `
		SELECT * FROM edit_locks
		WHERE twin_id = $1 AND user_id = $2 AND is_active = TRUE AND expires_at > NOW()`,
		twinID, userID)
	if err != nil {
		return EditLock{}, fmt.Errorf("store: lock covering: %w", err)
	}
	for _, l := range locks {
		for _, c := range l.Components {
			if c == componentPath || (len(componentPath) > len(c) &&
				componentPath[:len(c)] == c && componentPath[len(c)] == '.') {
				return l, nil
			}
		}
	}
	return EditLock{}, ErrNotFound
}

// TouchLockHeartbeat stamps heartbeat_at on an active lock. Returns
// ErrNotFound when no active row matched.
func (s *Store) TouchLockHeartbeat(ctx context.Context, lockID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE edit_locks SET heartbeat_at = NOW() WHERE lock_id = $1 AND is_active = TRUE`, lockID)
	if err != nil {
		return fmt.Errorf("store: touch heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateLock marks a lock row inactive.
func (s *Store) DeactivateLock(ctx context.Context, lockID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE edit_locks SET is_active = FALSE WHERE lock_id = $1`, lockID)
	if err != nil {
		return fmt.Errorf("store: deactivate lock: %w", err)
	}
	return nil
}

// StaleLocks returns active locks whose heartbeat lapsed past the grace
// period or whose lease expired outright.
func (s *Store) StaleLocks(ctx context.Context, grace time.Duration) ([]EditLock, error) {
	locks := []EditLock{}
	err := s.db.SelectContext(ctx, &locks, `
		SELECT * FROM edit_locks
		WHERE is_active = TRUE
		  AND (heartbeat_at < NOW() - $1::interval OR expires_at < NOW())`,
		fmt.Sprintf("%d seconds", int(grace.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("store: stale locks: %w", err)
	}
	return locks, nil
}
