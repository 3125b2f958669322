package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
)

func testRedisKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := NewRedisKVWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisKVRoundTrip(t *testing.T) {
	store, _ := testRedisKV(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "session:1", []byte("payload"), 0))
	value, err := store.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(value))

	require.NoError(t, store.Delete(ctx, "session:1"))
	_, err = store.Get(ctx, "session:1")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestRedisKVTTL(t *testing.T) {
	store, mr := testRedisKV(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "token", []byte("x"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "token")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestRedisKVPrefixIsolation(t *testing.T) {
	store, mr := testRedisKV(t)
	require.NoError(t, store.Set(context.Background(), "a", []byte("1"), 0))
	assert.True(t, mr.Exists("strata:kv:a"))
}

func TestBoltKVRoundTrip(t *testing.T) {
	store, err := NewBoltKV(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "session:1", []byte("payload"), 0))
	value, err := store.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(value))

	require.NoError(t, store.Delete(ctx, "session:1"))
	_, err = store.Get(ctx, "session:1")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestBoltKVExpiry(t *testing.T) {
	store, err := NewBoltKV(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Nanosecond))
	time.Sleep(5 * time.Millisecond)

	_, err = store.Get(ctx, "short")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	// A zero TTL never expires.
	require.NoError(t, store.Set(ctx, "long", []byte("y"), 0))
	value, err := store.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, "y", string(value))
}
