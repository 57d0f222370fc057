// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rediscoord

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tether/internal/coord"
)

const testTimeout = 150 * time.Millisecond

// setupMiniRedis starts a test Redis server and a shared go-redis client.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newConnected(t *testing.T, rdb *redis.Client) *Client {
	t.Helper()
	c := NewWithClient(rdb, Config{
		Namespace:         "test",
		SessionTimeout:    testTimeout,
		MaxRetries:        2,
		CompressThreshold: 64,
	}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	ev := nextEvent(t, c)
	require.Equal(t, coord.StateConnected, ev.State)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) coord.SessionEvent {
	t.Helper()
	select {
	case ev := <-c.SessionEvents():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session event")
		return coord.SessionEvent{}
	}
}

func waitWatch(t *testing.T, w <-chan coord.WatchEvent) coord.WatchEvent {
	t.Helper()
	select {
	case ev := <-w:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch")
		return coord.WatchEvent{}
	}
}

func TestRedisCreateGetSetDelete(t *testing.T) {
	_, rdb := setupMiniRedis(t)
	c := newConnected(t, rdb)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, "/c/CONFIGS/PARTICIPANT/n1", []byte(`{"id":"n1"}`), coord.Persistent))
	assert.ErrorIs(t, c.Create(ctx, "/c/CONFIGS/PARTICIPANT/n1", nil, coord.Persistent), coord.ErrNodeExists)

	kids, err := c.Children(ctx, "/c/CONFIGS")
	require.NoError(t, err)
	assert.Equal(t, []string{"PARTICIPANT"}, kids)

	data, stat, err := c.Get(ctx, "/c/CONFIGS/PARTICIPANT/n1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"n1"}`, string(data))
	assert.Equal(t, int32(0), stat.Version)
	assert.False(t, stat.CTime.IsZero())

	_, err = c.Set(ctx, "/c/CONFIGS/PARTICIPANT/n1", []byte("x"), 5)
	assert.ErrorIs(t, err, coord.ErrBadVersion)
	stat, err = c.Set(ctx, "/c/CONFIGS/PARTICIPANT/n1", []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stat.Version)

	assert.ErrorIs(t, c.Delete(ctx, "/c/CONFIGS", coord.AnyVersion), coord.ErrNotEmpty)
	require.NoError(t, c.Delete(ctx, "/c/CONFIGS/PARTICIPANT/n1", coord.AnyVersion))
	ok, _, err := c.Exists(ctx, "/c/CONFIGS/PARTICIPANT/n1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.Get(ctx, "/missing")
	assert.ErrorIs(t, err, coord.ErrNoNode)
}

func TestRedisLargePayloadIsCompressed(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	c := newConnected(t, rdb)
	ctx := context.Background()

	big := bytes.Repeat([]byte("tether"), 200)
	require.NoError(t, c.Create(ctx, "/big", big, coord.Persistent))

	raw := mr.HGet("test:node:/big", "data")
	require.NotEmpty(t, raw)
	assert.Equal(t, codecSnappy, raw[0])
	assert.Less(t, len(raw), len(big))

	data, _, err := c.Get(ctx, "/big")
	require.NoError(t, err)
	assert.Equal(t, big, data)
}

func TestRedisWatchFiresAcrossClients(t *testing.T) {
	_, rdb := setupMiniRedis(t)
	a := newConnected(t, rdb)
	b := newConnected(t, rdb)
	ctx := context.Background()

	require.NoError(t, a.Create(ctx, "/dir", nil, coord.Persistent))
	w, err := b.Watch(ctx, "/dir", coord.WatchChildren)
	require.NoError(t, err)

	require.NoError(t, a.Create(ctx, "/dir/x", nil, coord.Persistent))
	ev := waitWatch(t, w)
	assert.Equal(t, coord.EventNodeChildrenChanged, ev.Type)
	assert.Equal(t, "/dir", ev.Path)

	d, err := b.Watch(ctx, "/dir/x", coord.WatchData)
	require.NoError(t, err)
	_, err = a.Set(ctx, "/dir/x", []byte("1"), coord.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, coord.EventNodeDataChanged, waitWatch(t, d).Type)
}

func TestRedisWatchCancel(t *testing.T) {
	_, rdb := setupMiniRedis(t)
	c := newConnected(t, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := c.Watch(ctx, "/x", coord.WatchData)
	require.NoError(t, err)
	cancel()
	_, ok := <-w
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return c.watches.len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedisLeaseExpiryRemovesEphemeralAndRenews(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	owner := newConnected(t, rdb)
	observer := NewWithClient(rdb, Config{Namespace: "test", SessionTimeout: time.Hour}, zerolog.Nop())
	require.NoError(t, observer.Connect(context.Background()))
	t.Cleanup(func() { _ = observer.Close() })
	ctx := context.Background()

	require.NoError(t, owner.Create(ctx, "/live/n1", []byte("x"), coord.Ephemeral))
	_, stat, err := observer.Get(ctx, "/live/n1")
	require.NoError(t, err)
	first := owner.SessionID()
	assert.Equal(t, first, stat.EphemeralOwner)

	w, err := observer.Watch(ctx, "/live/n1", coord.WatchData)
	require.NoError(t, err)

	// Only the short lease lapses; the observer's hour-long lease survives.
	mr.FastForward(2 * testTimeout)

	ev := nextEvent(t, owner)
	assert.Equal(t, coord.StateExpired, ev.State)
	assert.Equal(t, first, ev.SessionID)
	ev = nextEvent(t, owner)
	assert.Equal(t, coord.StateConnected, ev.State)
	assert.True(t, first.Before(ev.SessionID))

	assert.Equal(t, coord.EventNodeDeleted, waitWatch(t, w).Type)
	ok, _, err := observer.Exists(ctx, "/live/n1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, owner.Create(ctx, "/live/n1", []byte("y"), coord.Ephemeral))
}

func TestRedisStaleEphemeralIsAbsent(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	c := newConnected(t, rdb)
	ctx := context.Background()

	// A crashed peer left an ephemeral behind without a lease.
	mr.HSet("test:node:/live/ghost", "data", "\x00", "version", "0", "owner", "dead-session", "ctime", "1", "mtime", "1")
	_, err := mr.SAdd("test:children:/live", "ghost")
	require.NoError(t, err)

	ok, _, err := c.Exists(ctx, "/live/ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Create(ctx, "/live/ghost", nil, coord.Ephemeral))
}

func TestRedisCloseDropsSession(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	c := newConnected(t, rdb)
	ctx := context.Background()
	id := c.SessionID()

	require.NoError(t, c.Create(ctx, "/e", nil, coord.Ephemeral))
	require.NoError(t, c.Close())

	assert.False(t, mr.Exists("test:session:"+id.String()))
	assert.False(t, mr.Exists("test:node:/e"))
	assert.ErrorIs(t, c.Create(ctx, "/e", nil, coord.Persistent), coord.ErrClosed)
}

func TestRedisUnavailableIsTransient(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	c := newConnected(t, rdb)

	mr.SetError("LOADING")
	defer mr.SetError("")
	_, _, err := c.Get(context.Background(), "/x")
	require.Error(t, err)
	assert.False(t, coord.IsTransient(err), "server replies are final")
}

func TestCodecRoundTrip(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("a"), bytes.Repeat([]byte("z"), 100)} {
		enc := encodePayload(in, 10)
		out, err := decodePayload(enc)
		require.NoError(t, err)
		assert.Equal(t, len(in), len(out))
	}
	_, err := decodePayload([]byte{9, 1})
	assert.Error(t, err)
}
