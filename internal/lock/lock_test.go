// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinforge/internal/kv"
	"github.com/twinforge/twinforge/internal/store"
)

type fakeShadow struct {
	mu        sync.Mutex
	locks     map[uuid.UUID]store.EditLock
	stale     []store.EditLock
	insertErr error
}

func newFakeShadow() *fakeShadow {
	return &fakeShadow{locks: make(map[uuid.UUID]store.EditLock)}
}

func (f *fakeShadow) InsertLock(_ context.Context, l store.EditLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	l.IsActive = true
	f.locks[l.LockID] = l
	return nil
}

func (f *fakeShadow) LockByID(_ context.Context, lockID uuid.UUID) (store.EditLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[lockID]
	if !ok {
		return store.EditLock{}, store.ErrNotFound
	}
	return l, nil
}

func (f *fakeShadow) ActiveLocksForSession(_ context.Context, sessionID uuid.UUID) ([]store.EditLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EditLock
	for _, l := range f.locks {
		if l.SessionID == sessionID && l.IsActive {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeShadow) TouchLockHeartbeat(_ context.Context, lockID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[lockID]
	if !ok || !l.IsActive {
		return store.ErrNotFound
	}
	l.HeartbeatAt = time.Now()
	f.locks[lockID] = l
	return nil
}

func (f *fakeShadow) DeactivateLock(_ context.Context, lockID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[lockID]; ok {
		l.IsActive = false
		f.locks[lockID] = l
	}
	return nil
}

func (f *fakeShadow) StaleLocks(_ context.Context, _ time.Duration) ([]store.EditLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func setupManager(t *testing.T) (*Manager, *fakeShadow, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	kvc := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	shadow := newFakeShadow()
	return NewManager(kvc, shadow, 300*time.Second, zerolog.Nop()), shadow, mr
}

func TestAcquireExclusiveConflict(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	_, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: userA, SessionID: uuid.New(),
		Components: []string{"chassis.arm"}, Type: Exclusive,
	})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Request{
		TwinID: twin, UserID: userB, SessionID: uuid.New(),
		Components: []string{"chassis.arm.bolt3"}, Type: Exclusive,
	})
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, userA, conflict.LockedBy)

	// Disjoint subtree is free.
	_, err = m.Acquire(ctx, Request{
		TwinID: twin, UserID: userB, SessionID: uuid.New(),
		Components: []string{"spindle"}, Type: Exclusive,
	})
	require.NoError(t, err)
}

func TestSharedLocksCoexist(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := m.Acquire(ctx, Request{
			TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
			Components: []string{"chassis"}, Type: Shared,
		})
		require.NoError(t, err)
	}

	_, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Exclusive,
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestExpiredLeaseFreesComponents(t *testing.T) {
	m, _, mr := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()

	_, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"spindle.motor"}, Type: Exclusive,
		TTL: 2 * time.Second,
	})
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)
	require.False(t, mr.Exists(Key(twin)))

	_, err = m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"spindle.motor"}, Type: Exclusive,
	})
	require.NoError(t, err)
}

func TestHeartbeatAfterExpiry(t *testing.T) {
	m, _, mr := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()

	lockID, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Exclusive,
		TTL: 2 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, m.Heartbeat(ctx, lockID))

	mr.FastForward(310 * time.Second)
	require.ErrorIs(t, m.Heartbeat(ctx, lockID), ErrExpired)
}

func TestHeartbeatUnknownLock(t *testing.T) {
	m, _, _ := setupManager(t)
	require.ErrorIs(t, m.Heartbeat(context.Background(), uuid.New()), ErrNotFound)
}

func TestReleaseKeepsRemainingHolders(t *testing.T) {
	m, shadow, mr := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()

	first, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Shared,
	})
	require.NoError(t, err)

	second, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Shared,
	})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, first))
	assert.True(t, mr.Exists(Key(twin)))
	assert.False(t, shadow.locks[first].IsActive)

	require.NoError(t, m.Release(ctx, second))
	assert.False(t, mr.Exists(Key(twin)))
}

func TestAcquireShadowFailureRollsBack(t *testing.T) {
	m, shadow, mr := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()

	shadow.insertErr = errors.New("connection refused")
	_, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Exclusive,
	})
	require.Error(t, err)
	// The KV holder is rolled back, so the components stay free.
	assert.False(t, mr.Exists(Key(twin)))

	shadow.insertErr = nil
	_, err = m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Exclusive,
	})
	require.NoError(t, err)
}

func TestWithCASRetry(t *testing.T) {
	calls := 0
	err := withCASRetry(func() error {
		calls++
		if calls < 3 {
			return kv.ErrCASConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = withCASRetry(func() error {
		calls++
		return kv.ErrCASConflict
	})
	require.ErrorIs(t, err, kv.ErrCASConflict)
	assert.Equal(t, casAttempts, calls)

	sentinel := errors.New("boom")
	calls = 0
	err = withCASRetry(func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestReleaseUnknownLock(t *testing.T) {
	m, _, _ := setupManager(t)
	require.ErrorIs(t, m.Release(context.Background(), uuid.New()), ErrNotFound)
}

func TestReleaseSessionLocks(t *testing.T) {
	m, shadow, mr := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()
	session := uuid.New()

	for _, c := range []string{"chassis", "spindle"} {
		_, err := m.Acquire(ctx, Request{
			TwinID: twin, UserID: uuid.New(), SessionID: session,
			Components: []string{c}, Type: Exclusive,
		})
		require.NoError(t, err)
	}

	require.NoError(t, m.ReleaseSessionLocks(ctx, session))
	assert.False(t, mr.Exists(Key(twin)))
	for _, l := range shadow.locks {
		assert.False(t, l.IsActive)
	}
}

func TestReaperSweep(t *testing.T) {
	m, shadow, mr := setupManager(t)
	ctx := context.Background()
	twin := uuid.New()

	lockID, err := m.Acquire(ctx, Request{
		TwinID: twin, UserID: uuid.New(), SessionID: uuid.New(),
		Components: []string{"chassis"}, Type: Exclusive,
	})
	require.NoError(t, err)

	shadow.mu.Lock()
	shadow.stale = []store.EditLock{shadow.locks[lockID]}
	shadow.mu.Unlock()

	r := NewReaper(m, 30*time.Second, 30*time.Second, zerolog.Nop())
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(Key(twin)))
	assert.False(t, shadow.locks[lockID].IsActive)
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"chassis", "chassis", true},
		{"chassis", "chassis.bolt1", true},
		{"chassis.bolt1", "chassis", true},
		{"chassis", "chassisframe", false},
		{"chassis.bolt1", "chassis.bolt2", false},
		{"spindle", "chassis", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, overlaps(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}
