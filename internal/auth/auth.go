// SPDX-License-Identifier: MIT

// Package auth handles user registration, credential verification and the
// JWT session tokens that gate every collaborative operation.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/twinforge/twinforge/internal/store"
)

var (
	// ErrInvalidCredentials is returned for a bad username/password pair.
	// Deliberately indistinguishable between the two cases.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUserExists is returned when the email or username is taken.
	ErrUserExists = errors.New("auth: user already exists")
	// ErrInvalidToken is returned for malformed, expired or revoked tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// UserStore is the persistence surface auth needs, satisfied by
// *store.Store.
type UserStore interface {
	CreateUser(ctx context.Context, u store.User) error
	UserByUsername(ctx context.Context, username string) (store.User, error)
	UserByID(ctx context.Context, id uuid.UUID) (store.User, error)
	UserExists(ctx context.Context, email, username string) (bool, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID) error
	CreateSession(ctx context.Context, sess store.Session) error
	SessionByID(ctx context.Context, id uuid.UUID) (store.Session, error)
	InvalidateSession(ctx context.Context, id uuid.UUID) error
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	User    store.User
	Session store.Session
}

// Service issues and verifies session tokens.
type Service struct {
	users    UserStore
	secret   []byte
	lifetime time.Duration
	logger   zerolog.Logger
}

// New builds an auth service. The secret signs every issued token, so
// rotating it invalidates all live sessions.
func New(users UserStore, secret string, lifetime time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		users:    users,
		secret:   []byte(secret),
		lifetime: lifetime,
		logger:   logger,
	}
}

// Register creates a new user with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, email, username, password string, orgID *uuid.UUID) (store.User, error) {
	taken, err := s.users.UserExists(ctx, email, username)
	if err != nil {
		return store.User{}, err
	}
	if taken {
		return store.User{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("auth: hash password: %w", err)
	}

	u := store.User{
		UserID:         uuid.New(),
		Email:          email,
		Username:       username,
		PasswordHash:   string(hash),
		OrganizationID: orgID,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return store.User{}, err
	}

	s.logger.Info().Str("user_id", u.UserID.String()).Str("username", username).Msg("user registered")
	return u, nil
}

// Login verifies the credentials, opens a session and returns its signed
// token.
func (s *Service) Login(ctx context.Context, username, password string) (string, Identity, error) {
	u, err := s.users.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", Identity{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", Identity{}, ErrInvalidCredentials
	}

	sessionID := uuid.New()
	now := time.Now()
	expires := now.Add(s.lifetime)

	token, err := s.mint(u.UserID, sessionID, now, expires)
	if err != nil {
		return "", Identity{}, err
	}

	sess := store.Session{
		SessionID: sessionID,
		UserID:    u.UserID,
		TokenHash: hashToken(token),
		ExpiresAt: expires,
	}
	if err := s.users.CreateSession(ctx, sess); err != nil {
		return "", Identity{}, err
	}
	if err := s.users.TouchLastLogin(ctx, u.UserID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.UserID.String()).Msg("last login stamp failed")
	}

	s.logger.Info().
		Str("user_id", u.UserID.String()).
		Str("session_id", sessionID.String()).
		Msg("user logged in")
	return token, Identity{User: u, Session: sess}, nil
}

// Verify checks a token's signature and expiry, then confirms its session is
// still active and its user still exists.
func (s *Service) Verify(ctx context.Context, token string) (Identity, error) {
	userID, sessionID, err := s.parse(token)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	sess, err := s.users.SessionByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	if sess.UserID != userID || sess.TokenHash != hashToken(token) {
		return Identity{}, ErrInvalidToken
	}

	u, err := s.users.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}

	return Identity{User: u, Session: sess}, nil
}

// Logout invalidates a session. The token keeps its signature but Verify
// rejects it from here on.
func (s *Service) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return s.users.InvalidateSession(ctx, sessionID)
}

func (s *Service) mint(userID, sessionID uuid.UUID, issued, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"sid": sessionID.String(),
		"iat": issued.Unix(),
		"exp": expires.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

func (s *Service) parse(token string) (userID, sessionID uuid.UUID, err error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)

	userID, err = uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	sessionID, err = uuid.Parse(sid)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	return userID, sessionID, nil
}

// hashToken stores only a digest of the token server-side, so a leaked
// sessions table cannot replay live tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
