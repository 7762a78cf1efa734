// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func setupKV(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewFromClient(client, zerolog.Nop())
}

func TestGetMissing(t *testing.T) {
	_, c := setupKV(t)

	_, err := c.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetNX(t *testing.T) {
	mr, c := setupKV(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", []byte("v1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "k", []byte("v2"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	mr.FastForward(2 * time.Minute)

	ok, err = c.SetNX(ctx, "k", []byte("v3"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateInstallsValue(t *testing.T) {
	mr, c := setupKV(t)
	ctx := context.Background()

	err := c.Update(ctx, "rec", time.Minute, func(current []byte) ([]byte, bool, error) {
		require.Nil(t, current)
		return []byte("first"), false, nil
	})
	require.NoError(t, err)

	err = c.Update(ctx, "rec", time.Minute, func(current []byte) ([]byte, bool, error) {
		require.Equal(t, []byte("first"), current)
		return []byte("second"), false, nil
	})
	require.NoError(t, err)

	val, err := c.Get(ctx, "rec")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), val)

	// TTL must be set on the installed value.
	require.Greater(t, mr.TTL("rec"), time.Duration(0))
}

func TestUpdateDelete(t *testing.T) {
	_, c := setupKV(t)
	ctx := context.Background()

	require.NoError(t, c.Update(ctx, "rec", time.Minute, func([]byte) ([]byte, bool, error) {
		return []byte("v"), false, nil
	}))
	require.NoError(t, c.Update(ctx, "rec", time.Minute, func([]byte) ([]byte, bool, error) {
		return nil, true, nil
	}))

	_, err := c.Get(ctx, "rec")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePropagatesCallbackError(t *testing.T) {
	_, c := setupKV(t)

	sentinel := errors.New("boom")
	err := c.Update(context.Background(), "rec", time.Minute, func([]byte) ([]byte, bool, error) {
		return nil, false, sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestExtendExpired(t *testing.T) {
	mr, c := setupKV(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", []byte("v"), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Extend(ctx, "k", time.Minute))

	mr.FastForward(2 * time.Minute)
	require.ErrorIs(t, c.Extend(ctx, "k", time.Minute), ErrNotFound)
}

func TestPublishSubscribe(t *testing.T) {
	_, c := setupKV(t)
	ctx := context.Background()

	sub := c.Subscribe(ctx, "twin:updates")
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be established before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "twin:updates", []byte(`{"type":"edit_operation"}`)))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, `{"type":"edit_operation"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
