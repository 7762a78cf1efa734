// SPDX-License-Identifier: MIT

package edit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinforge/internal/store"
)

func TestClockMerge(t *testing.T) {
	a := store.ClockMap{"u1": 3, "u2": 1}
	b := store.ClockMap{"u2": 5, "u3": 2}

	merged := Merge(a, b)
	assert.Equal(t, store.ClockMap{"u1": 3, "u2": 5, "u3": 2}, merged)
	// Inputs untouched.
	assert.Equal(t, int64(1), a["u2"])
}

func TestClockTick(t *testing.T) {
	c := store.ClockMap{"u1": 3}
	ticked := Tick(c, "u1")
	assert.Equal(t, int64(4), ticked["u1"])
	assert.Equal(t, int64(3), c["u1"])

	fresh := Tick(nil, "u9")
	assert.Equal(t, int64(1), fresh["u9"])
}

func TestClockCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b store.ClockMap
		want Ordering
	}{
		{"equal", store.ClockMap{"u1": 2}, store.ClockMap{"u1": 2}, Equal},
		{"after", store.ClockMap{"u1": 3}, store.ClockMap{"u1": 2}, After},
		{"before", store.ClockMap{"u1": 1}, store.ClockMap{"u1": 2, "u2": 1}, Before},
		{"concurrent", store.ClockMap{"u1": 3, "u2": 1}, store.ClockMap{"u1": 1, "u2": 3}, Concurrent},
		{"empty vs empty", store.ClockMap{}, nil, Equal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compare(tc.a, tc.b))
		})
	}
}

type fakeLog struct {
	covering  map[string]bool
	watermark store.ClockMap
	inserted  []store.EditOperation
	nextSeq   int64
}

func (f *fakeLog) ActiveLockCovering(_ context.Context, _, _ uuid.UUID, componentPath string) (store.EditLock, error) {
	if f.covering[componentPath] {
		return store.EditLock{LockID: uuid.New()}, nil
	}
	return store.EditLock{}, store.ErrNotFound
}

func (f *fakeLog) ClockHighWatermark(context.Context, uuid.UUID) (store.ClockMap, error) {
	return f.watermark, nil
}

func (f *fakeLog) InsertOperation(_ context.Context, op store.EditOperation) (int64, error) {
	f.nextSeq++
	f.inserted = append(f.inserted, op)
	return f.nextSeq, nil
}

type fakeBroadcaster struct {
	frames   [][]byte
	excluded []uuid.UUID
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, _ uuid.UUID, _ string, payload []byte, exclude uuid.UUID) int {
	f.frames = append(f.frames, payload)
	f.excluded = append(f.excluded, exclude)
	return 1
}

type fakePublisher struct {
	channels []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestSubmitRequiresCoveringLock(t *testing.T) {
	log := &fakeLog{covering: map[string]bool{}}
	p := NewPipeline(log, &fakeBroadcaster{}, &fakePublisher{}, "inst-a", zerolog.Nop())

	_, err := p.Submit(context.Background(), Op{
		TwinID:        uuid.New(),
		UserID:        uuid.New(),
		ComponentPath: "chassis.bolt1",
		OperationType: "property_update",
	})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, log.inserted)
}

func TestSubmitMergesWatermarkAndDistributes(t *testing.T) {
	user := uuid.New()
	session := uuid.New()
	twin := uuid.New()

	log := &fakeLog{
		covering:  map[string]bool{"chassis.bolt1": true},
		watermark: store.ClockMap{user.String(): 2, "other": 7},
	}
	bc := &fakeBroadcaster{}
	pub := &fakePublisher{}
	p := NewPipeline(log, bc, pub, "inst-a", zerolog.Nop())

	rec, err := p.Submit(context.Background(), Op{
		TwinID:        twin,
		UserID:        user,
		SessionID:     session,
		OperationType: "property_update",
		ComponentPath: "chassis.bolt1",
		Data:          []byte(`{"torque_spec":12}`),
		// Client clock is behind the watermark.
		Clock: store.ClockMap{user.String(): 1},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, int64(3), rec.VectorClock[user.String()])
	assert.Equal(t, int64(7), rec.VectorClock["other"])

	require.Len(t, bc.frames, 1)
	assert.Equal(t, session, bc.excluded[0])

	require.Len(t, pub.channels, 1)
	assert.Equal(t, OpsChannel, pub.channels[0])

	var frame struct {
		Type        string        `json:"type"`
		OperationID uuid.UUID     `json:"operation_id"`
		UserID      uuid.UUID     `json:"user_id"`
		Operation   WireOperation `json:"operation"`
	}
	require.NoError(t, json.Unmarshal(bc.frames[0], &frame))
	assert.Equal(t, "edit_operation", frame.Type)
	assert.Equal(t, rec.OperationID, frame.OperationID)
	assert.Equal(t, user, frame.UserID)
	assert.Equal(t, "chassis.bolt1", frame.Operation.ComponentPath)
	assert.Equal(t, int64(1), frame.Operation.Seq)
}

func TestSubmitSequencesAssignedInOrder(t *testing.T) {
	user := uuid.New()
	log := &fakeLog{covering: map[string]bool{"spindle": true}}
	p := NewPipeline(log, &fakeBroadcaster{}, &fakePublisher{}, "inst-a", zerolog.Nop())

	for i := 1; i <= 3; i++ {
		rec, err := p.Submit(context.Background(), Op{
			TwinID:        uuid.New(),
			UserID:        user,
			OperationType: "property_update",
			ComponentPath: "spindle",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Seq)
	}
}
