package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same contract checks against both implementations.
func storeUnderTest(t *testing.T, name string, open func(t *testing.T) Store, run func(t *testing.T, s Store)) {
	t.Run(name, func(t *testing.T) {
		s := open(t)
		t.Cleanup(func() { _ = s.Close() })
		run(t, s)
	})
}

func eachStore(t *testing.T, run func(t *testing.T, s Store)) {
	storeUnderTest(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	}, run)
	storeUnderTest(t, "sqlite", func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
		require.NoError(t, err)
		return s
	}, run)
}

func TestSetGetDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, found, err := s.Get(ctx, TaskKey("a"))
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.Set(ctx, TaskKey("a"), []byte(`{"state":"PENDING"}`), 0))

		value, found, err := s.Get(ctx, TaskKey("a"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, `{"state":"PENDING"}`, string(value))

		// Overwrite.
		require.NoError(t, s.Set(ctx, TaskKey("a"), []byte(`{"state":"RUNNING"}`), 0))
		value, _, err = s.Get(ctx, TaskKey("a"))
		require.NoError(t, err)
		assert.Equal(t, `{"state":"RUNNING"}`, string(value))

		require.NoError(t, s.Delete(ctx, TaskKey("a")))
		_, found, err = s.Get(ctx, TaskKey("a"))
		require.NoError(t, err)
		assert.False(t, found)

		// Deleting a missing key is not an error.
		require.NoError(t, s.Delete(ctx, TaskKey("a")))
	})
}

func TestTTLExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, TaskKey("ephemeral"), []byte("x"), 30*time.Millisecond))
		require.NoError(t, s.Set(ctx, TaskKey("durable"), []byte("y"), 0))

		_, found, err := s.Get(ctx, TaskKey("ephemeral"))
		require.NoError(t, err)
		require.True(t, found)

		time.Sleep(60 * time.Millisecond)

		_, found, err = s.Get(ctx, TaskKey("ephemeral"))
		require.NoError(t, err)
		assert.False(t, found, "expired entry must be invisible")

		_, found, err = s.Get(ctx, TaskKey("durable"))
		require.NoError(t, err)
		assert.True(t, found, "ttl <= 0 stores without expiry")

		purged, err := s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)
	})
}

func TestCompareAndSwap(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// nil old: key must not exist.
		swapped, err := s.CompareAndSwap(ctx, TaskKey("t"), nil, []byte("v1"), 0)
		require.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = s.CompareAndSwap(ctx, TaskKey("t"), nil, []byte("v2"), 0)
		require.NoError(t, err)
		assert.False(t, swapped, "nil old must fail when the key exists")

		// Swap with matching old value.
		swapped, err = s.CompareAndSwap(ctx, TaskKey("t"), []byte("v1"), []byte("v2"), 0)
		require.NoError(t, err)
		assert.True(t, swapped)

		// Stale old value loses the race.
		swapped, err = s.CompareAndSwap(ctx, TaskKey("t"), []byte("v1"), []byte("v3"), 0)
		require.NoError(t, err)
		assert.False(t, swapped)

		value, _, err := s.Get(ctx, TaskKey("t"))
		require.NoError(t, err)
		assert.Equal(t, "v2", string(value))
	})
}

func TestCompareAndSwapExpiredTreatedAsMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, TaskKey("t"), []byte("old"), 20*time.Millisecond))
		time.Sleep(40 * time.Millisecond)

		swapped, err := s.CompareAndSwap(ctx, TaskKey("t"), []byte("old"), []byte("new"), 0)
		require.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = s.CompareAndSwap(ctx, TaskKey("t"), nil, []byte("new"), 0)
		require.NoError(t, err)
		assert.True(t, swapped, "expired key counts as absent")
	})
}

func TestKeysPrefix(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, TaskKey("1"), []byte("a"), 0))
		require.NoError(t, s.Set(ctx, TaskKey("2"), []byte("b"), 0))
		require.NoError(t, s.Set(ctx, AgentKey("w"), []byte("c"), 0))
		require.NoError(t, s.Set(ctx, TaskKey("gone"), []byte("d"), 10*time.Millisecond))

		time.Sleep(30 * time.Millisecond)

		keys, err := s.Keys(ctx, "task:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"task:1", "task:2"}, keys)

		keys, err = s.Keys(ctx, "agent:")
		require.NoError(t, err)
		assert.Equal(t, []string{"agent:w"}, keys)
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, AgentKey("worker-1"), []byte(`{"status":"IDLE"}`), 0))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	value, found, err := s.Get(ctx, AgentKey("worker-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"status":"IDLE"}`, string(value))
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Set(ctx, "k", []byte("v"), 0), ErrClosed)
	_, _, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Keys(ctx, "")
	require.ErrorIs(t, err, ErrClosed)
}
