// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, email, username, password_hash, organization_id)
		VALUES ($1, $2, $3, $4, $5)`,
		u.UserID, u.Email, u.Username, u.PasswordHash, u.OrganizationID)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// UserByUsername returns an active user by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE username = $1 AND is_active = TRUE`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: user by username: %w", err)
	}
	return u, nil
}

// UserByID returns an active user by id.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE user_id = $1 AND is_active = TRUE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: user by id: %w", err)
	}
	return u, nil
}

// UserExists reports whether a user with the given email or username exists.
func (s *Store) UserExists(ctx context.Context, email, username string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 OR username = $2)`, email, username)
	if err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

// TouchLastLogin stamps the user's last login time.
func (s *Store) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE user_id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: touch last login: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (session_id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)`,
		sess.SessionID, sess.UserID, sess.TokenHash, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// SessionByID returns an active, unexpired session.
func (s *Store) SessionByID(ctx context.Context, id uuid.UUID) (Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT * FROM user_sessions
		WHERE session_id = $1 AND is_active = TRUE AND expires_at > NOW()`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: session by id: %w", err)
	}
	return sess, nil
}

// InvalidateSession marks a session inactive.
func (s *Store) InvalidateSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE WHERE session_id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: invalidate session: %w", err)
	}
	return nil
}
