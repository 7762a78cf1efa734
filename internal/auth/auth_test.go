// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinforge/internal/store"
)

type fakeUsers struct {
	users    map[uuid.UUID]store.User
	sessions map[uuid.UUID]store.Session
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users:    make(map[uuid.UUID]store.User),
		sessions: make(map[uuid.UUID]store.Session),
	}
}

func (f *fakeUsers) CreateUser(_ context.Context, u store.User) error {
	u.IsActive = true
	f.users[u.UserID] = u
	return nil
}

func (f *fakeUsers) UserByUsername(_ context.Context, username string) (store.User, error) {
	for _, u := range f.users {
		if u.Username == username && u.IsActive {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeUsers) UserByID(_ context.Context, id uuid.UUID) (store.User, error) {
	u, ok := f.users[id]
	if !ok || !u.IsActive {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) UserExists(_ context.Context, email, username string) (bool, error) {
	for _, u := range f.users {
		if u.Email == email || u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) TouchLastLogin(context.Context, uuid.UUID) error { return nil }

func (f *fakeUsers) CreateSession(_ context.Context, sess store.Session) error {
	sess.IsActive = true
	f.sessions[sess.SessionID] = sess
	return nil
}

func (f *fakeUsers) SessionByID(_ context.Context, id uuid.UUID) (store.Session, error) {
	sess, ok := f.sessions[id]
	if !ok || !sess.IsActive || sess.ExpiresAt.Before(time.Now()) {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (f *fakeUsers) InvalidateSession(_ context.Context, id uuid.UUID) error {
	if sess, ok := f.sessions[id]; ok {
		sess.IsActive = false
		f.sessions[id] = sess
	}
	return nil
}

func setup(t *testing.T) (*Service, *fakeUsers) {
	t.Helper()
	users := newFakeUsers()
	return New(users, "test-secret", time.Hour, zerolog.Nop()), users
}

func TestRegisterHashesPassword(t *testing.T) {
	s, users := setup(t)

	u, err := s.Register(context.Background(), "op@example.com", "operator", "hunter2!", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2!", users.users[u.UserID].PasswordHash)

	_, err = s.Register(context.Background(), "op@example.com", "operator2", "x", nil)
	require.ErrorIs(t, err, ErrUserExists)
}

func TestLoginVerifyRoundTrip(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	u, err := s.Register(ctx, "op@example.com", "operator", "hunter2!", nil)
	require.NoError(t, err)

	token, id, err := s.Login(ctx, "operator", "hunter2!")
	require.NoError(t, err)
	assert.Equal(t, u.UserID, id.User.UserID)

	verified, err := s.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.UserID, verified.User.UserID)
	assert.Equal(t, id.Session.SessionID, verified.Session.SessionID)
}

func TestLoginWrongPassword(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op@example.com", "operator", "hunter2!", nil)
	require.NoError(t, err)

	_, _, err = s.Login(ctx, "operator", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = s.Login(ctx, "nobody", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsLoggedOutSession(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op@example.com", "operator", "hunter2!", nil)
	require.NoError(t, err)

	token, id, err := s.Login(ctx, "operator", "hunter2!")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, id.Session.SessionID))
	_, err = s.Verify(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	s, _ := setup(t)
	other := New(newFakeUsers(), "other-secret", time.Hour, zerolog.Nop())

	forged, err := other.mint(uuid.New(), uuid.New(), time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = s.Verify(context.Background(), forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op@example.com", "operator", "hunter2!", nil)
	require.NoError(t, err)
	token, _, err := s.Login(ctx, "operator", "hunter2!")
	require.NoError(t, err)

	var seen Identity
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusNoContent)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "operator", seen.User.Username)
}
