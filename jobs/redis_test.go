package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedisAdapter(t *testing.T) *RedisAdapter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisAdapterWithClient(client, "test:jobs:")
}

func TestRedisPublishRoundTrip(t *testing.T) {
	adapter := testRedisAdapter(t)
	ctx := context.Background()

	job := &Job{ID: "j1", Name: "send-email", Payload: map[string]any{"to": "a@b.co"}, EnqueuedAt: time.Now()}
	require.NoError(t, adapter.Publish(ctx, job))

	depth, err := adapter.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	var got *Job
	processed, err := adapter.RunOnce(ctx, func(_ context.Context, j *Job) error {
		got = j
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, "a@b.co", got.Payload["to"])

	depth, err = adapter.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestRedisDelayedPromotion(t *testing.T) {
	adapter := testRedisAdapter(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	require.NoError(t, adapter.Publish(ctx, &Job{ID: "later", Name: "a", StartAfter: &future, EnqueuedAt: time.Now()}))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, adapter.Publish(ctx, &Job{ID: "due", Name: "b", StartAfter: &past, EnqueuedAt: time.Now()}))

	var ids []string
	processed, err := adapter.RunOnce(ctx, func(_ context.Context, j *Job) error {
		ids = append(ids, j.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, []string{"due"}, ids, "future jobs stay in the delayed set")

	depth, err := adapter.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRedisSingletonDeduplicates(t *testing.T) {
	adapter := testRedisAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Publish(ctx, &Job{ID: "j1", Name: "reindex", Singleton: true, EnqueuedAt: time.Now()}))
	require.NoError(t, adapter.Publish(ctx, &Job{ID: "j2", Name: "reindex", Singleton: true, EnqueuedAt: time.Now()}))

	depth, err := adapter.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Once dequeued the name is free again.
	_, err = adapter.RunOnce(ctx, func(context.Context, *Job) error { return nil })
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(ctx, &Job{ID: "j3", Name: "reindex", Singleton: true, EnqueuedAt: time.Now()}))
	depth, err = adapter.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRedisRegistryEndToEnd(t *testing.T) {
	adapter := testRedisAdapter(t)
	r := NewRegistry(adapter)

	var got map[string]any
	require.NoError(t, r.Register(&Definition{
		Name: "notify",
		Handler: func(_ context.Context, payload map[string]any) error {
			got = payload
			return nil
		},
	}))

	ctx := context.Background()
	_, err := r.Publish(ctx, "notify", map[string]any{"msg": "hi"})
	require.NoError(t, err)

	processed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, "hi", got["msg"])
}
