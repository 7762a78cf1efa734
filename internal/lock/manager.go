// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/kv"
	"github.com/twinforge/twinforge/internal/metrics"
	"github.com/twinforge/twinforge/internal/store"
)

// casAttempts bounds the optimistic retry loop on the aggregated twin record.
const casAttempts = 5

// withCASRetry reruns fn while it loses the optimistic transaction on the
// twin record, up to casAttempts times. Any other outcome is returned as is.
func withCASRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, kv.ErrCASConflict) {
			return err
		}
	}
	return err
}

// DefaultTTL is the lease length applied when a request carries none.
const DefaultTTL = 300 * time.Second

// Shadow is the durable side of the lock manager, satisfied by *store.Store.
type Shadow interface {
	InsertLock(ctx context.Context, l store.EditLock) error
	LockByID(ctx context.Context, lockID uuid.UUID) (store.EditLock, error)
	ActiveLocksForSession(ctx context.Context, sessionID uuid.UUID) ([]store.EditLock, error)
	TouchLockHeartbeat(ctx context.Context, lockID uuid.UUID) error
	DeactivateLock(ctx context.Context, lockID uuid.UUID) error
	StaleLocks(ctx context.Context, grace time.Duration) ([]store.EditLock, error)
}

// Manager coordinates component locks across server instances. The KV record
// is the source of truth for conflict decisions; the SQL shadow exists for
// audit queries and stale-lock reaping.
type Manager struct {
	kvc    *kv.Client
	shadow Shadow
	ttl    time.Duration
	logger zerolog.Logger

	now func() time.Time
}

// NewManager builds a Manager with the given default lease TTL.
func NewManager(kvc *kv.Client, shadow Shadow, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		kvc:    kvc,
		shadow: shadow,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire attempts to take a lock on the requested components. On success it
// returns the new lock id; on overlap with an incompatible holder it returns
// a *ConflictError naming the current holder.
func (m *Manager) Acquire(ctx context.Context, req Request) (uuid.UUID, error) {
	if len(req.Components) == 0 {
		return uuid.Nil, fmt.Errorf("lock: no components requested")
	}
	if !req.Type.Valid() {
		return uuid.Nil, fmt.Errorf("lock: unknown lock type %q", req.Type)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}

	lockID := uuid.New()
	key := Key(req.TwinID)

	var acquired holder
	install := func(current []byte) ([]byte, bool, error) {
		now := m.now()

		var rec twinRecord
		if current != nil {
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, false, fmt.Errorf("lock: corrupt record %s: %w", key, err)
			}
		}
		rec.Holders = rec.live(now)

		for _, h := range rec.Holders {
			if !anyOverlap(h.Components, req.Components) {
				continue
			}
			if req.Type == Exclusive || h.Type == Exclusive {
				return nil, false, &ConflictError{LockedBy: h.UserID}
			}
		}

		acquired = holder{
			LockID:     lockID,
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			Components: req.Components,
			Type:       req.Type,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		rec.Holders = append(rec.Holders, acquired)

		next, err := json.Marshal(rec)
		return next, false, err
	}

	err := withCASRetry(func() error {
		return m.kvc.Update(ctx, key, ttl, install)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.LockConflictsTotal.Inc()
		}
		return uuid.Nil, err
	}

	shadow := store.EditLock{
		LockID:     lockID,
		TwinID:     req.TwinID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		LockType:   string(req.Type),
		Components: store.StringList(req.Components),
		AcquiredAt: acquired.AcquiredAt,
		ExpiresAt:  acquired.ExpiresAt,
	}
	if err := m.shadow.InsertLock(ctx, shadow); err != nil {
		// Heartbeat, release and edit authorization all resolve the lock
		// through the shadow row, so a KV holder without one is unusable.
		// Roll the holder back and fail the acquire.
		if rerr := m.removeHolder(ctx, key, lockID); rerr != nil {
			m.logger.Error().Err(rerr).
				Str("lock_id", lockID.String()).
				Msg("holder rollback failed, reaper will expire it")
		}
		return uuid.Nil, fmt.Errorf("lock: shadow insert: %w", err)
	}

	metrics.ActiveLocks.Inc()
	m.logger.Info().
		Str("lock_id", lockID.String()).
		Str("twin_id", req.TwinID.String()).
		Str("user_id", req.UserID.String()).
		Str("lock_type", string(req.Type)).
		Strs("components", req.Components).
		Msg("lock acquired")

	return lockID, nil
}

// Heartbeat extends the lease on a held lock. Returns ErrExpired when the KV
// record already lapsed, in which case the caller must re-acquire.
func (m *Manager) Heartbeat(ctx context.Context, lockID uuid.UUID) error {
	if err := m.shadow.TouchLockHeartbeat(ctx, lockID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	l, err := m.shadow.LockByID(ctx, lockID)
	if err != nil {
		return err
	}

	err = withCASRetry(func() error {
		return m.kvc.Update(ctx, Key(l.TwinID), m.ttl, func(current []byte) ([]byte, bool, error) {
			if current == nil {
				return nil, false, ErrExpired
			}
			var rec twinRecord
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, false, err
			}
			now := m.now()
			found := false
			for i := range rec.Holders {
				if rec.Holders[i].LockID == lockID {
					if !rec.Holders[i].ExpiresAt.After(now) {
						return nil, false, ErrExpired
					}
					rec.Holders[i].ExpiresAt = now.Add(m.ttl)
					found = true
					break
				}
			}
			if !found {
				return nil, false, ErrExpired
			}
			next, err := json.Marshal(rec)
			return next, false, err
		})
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrExpired
	}
	return err
}

// Release drops a lock: the holder entry is removed from the KV record (the
// key itself is deleted when no holders remain) and the shadow row goes
// inactive. Releasing an unknown lock returns ErrNotFound.
func (m *Manager) Release(ctx context.Context, lockID uuid.UUID) error {
	l, err := m.shadow.LockByID(ctx, lockID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return m.release(ctx, l)
}

func (m *Manager) release(ctx context.Context, l store.EditLock) error {
	if err := m.removeHolder(ctx, Key(l.TwinID), l.LockID); err != nil {
		return err
	}

	if err := m.shadow.DeactivateLock(ctx, l.LockID); err != nil {
		return err
	}

	metrics.ActiveLocks.Dec()
	m.logger.Info().
		Str("lock_id", l.LockID.String()).
		Str("twin_id", l.TwinID.String()).
		Msg("lock released")
	return nil
}

// removeHolder drops one holder from the aggregated KV record, deleting the
// key when no holders remain. A missing key counts as removed.
func (m *Manager) removeHolder(ctx context.Context, key string, lockID uuid.UUID) error {
	return withCASRetry(func() error {
		return m.kvc.Update(ctx, key, m.ttl, func(current []byte) ([]byte, bool, error) {
			if current == nil {
				return nil, true, nil
			}
			var rec twinRecord
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, false, err
			}
			kept := rec.Holders[:0]
			for _, h := range rec.Holders {
				if h.LockID != lockID {
					kept = append(kept, h)
				}
			}
			rec.Holders = kept
			if len(rec.Holders) == 0 {
				return nil, true, nil
			}
			next, err := json.Marshal(rec)
			return next, false, err
		})
	})
}

// ReleaseSessionLocks drops every active lock owned by a session. Called when
// the owning connection disconnects or the session is invalidated.
func (m *Manager) ReleaseSessionLocks(ctx context.Context, sessionID uuid.UUID) error {
	locks, err := m.shadow.ActiveLocksForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if err := m.release(ctx, l); err != nil {
			m.logger.Error().Err(err).
				Str("lock_id", l.LockID.String()).
				Msg("session lock release failed")
		}
	}
	return nil
}
