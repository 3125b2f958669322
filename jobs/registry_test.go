package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(NewMemoryAdapter())

	err := r.Register(&Definition{Name: "", Handler: func(context.Context, map[string]any) error { return nil }})
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	err = r.Register(&Definition{Name: "no-handler"})
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	def := &Definition{Name: "send-email", Handler: func(context.Context, map[string]any) error { return nil }}
	require.NoError(t, r.Register(def))
	err = r.Register(def)
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	err = r.Register(&Definition{
		Name:    "bad-cron",
		Handler: func(context.Context, map[string]any) error { return nil },
		Options: Options{Cron: "not a cron"},
	})
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))
}

func TestPublishAndRunOnce(t *testing.T) {
	adapter := NewMemoryAdapter()
	r := NewRegistry(adapter)

	var got map[string]any
	require.NoError(t, r.Register(&Definition{
		Name: "send-email",
		Schema: field.NewFields().
			Add("to", &field.Definition{Kind: field.Email, Required: true}).
			Add("subject", &field.Definition{Kind: field.Text}),
		Handler: func(_ context.Context, payload map[string]any) error {
			got = payload
			return nil
		},
	}))

	ctx := context.Background()
	_, err := r.Publish(ctx, "send-email", map[string]any{"to": "a@b.co", "subject": "hi"})
	require.NoError(t, err)

	processed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, "a@b.co", got["to"])
}

func TestPublishValidatesPayload(t *testing.T) {
	r := NewRegistry(NewMemoryAdapter())
	require.NoError(t, r.Register(&Definition{
		Name:    "send-email",
		Schema:  field.NewFields().Add("to", &field.Definition{Kind: field.Email, Required: true}),
		Handler: func(context.Context, map[string]any) error { return nil },
	}))

	ctx := context.Background()
	_, err := r.Publish(ctx, "send-email", map[string]any{"to": "not-an-email"})
	assert.Equal(t, common.KindValidation, common.KindOf(err))

	_, err = r.Publish(ctx, "send-email", map[string]any{"to": "a@b.co", "extra": true})
	assert.Equal(t, common.KindValidation, common.KindOf(err))

	_, err = r.Publish(ctx, "unknown-job", nil)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestRetryUntilSuccess(t *testing.T) {
	adapter := NewMemoryAdapter()
	r := NewRegistry(adapter)

	attempts := 0
	require.NoError(t, r.Register(&Definition{
		Name: "flaky",
		Handler: func(context.Context, map[string]any) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Options: Options{RetryLimit: 5, RetryDelay: time.Millisecond},
	}))

	ctx := context.Background()
	_, err := r.Publish(ctx, "flaky", nil)
	require.NoError(t, err)

	// Each pass processes one attempt; the retry is re-queued with a
	// short delay.
	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		_, err := r.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, adapter.Depth())
}

func TestRetryLimitExhausted(t *testing.T) {
	adapter := NewMemoryAdapter()
	r := NewRegistry(adapter)

	attempts := 0
	require.NoError(t, r.Register(&Definition{
		Name: "doomed",
		Handler: func(context.Context, map[string]any) error {
			attempts++
			return errors.New("always fails")
		},
		Options: Options{RetryLimit: 2, RetryDelay: time.Millisecond},
	}))

	ctx := context.Background()
	_, err := r.Publish(ctx, "doomed", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		_, err := r.RunOnce(ctx)
		require.NoError(t, err)
	}
	// Initial attempt plus two retries, then dropped.
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, adapter.Depth())
}

func TestRetryBackoffDelays(t *testing.T) {
	def := &Definition{Options: Options{RetryDelay: time.Second, RetryBackoff: true}}
	assert.Equal(t, time.Second, def.retryDelay(1))
	assert.Equal(t, 2*time.Second, def.retryDelay(2))
	assert.Equal(t, 4*time.Second, def.retryDelay(3))

	flat := &Definition{Options: Options{RetryDelay: time.Second}}
	assert.Equal(t, time.Second, flat.retryDelay(3))
}

func TestExpiredJobsDropped(t *testing.T) {
	adapter := NewMemoryAdapter()
	r := NewRegistry(adapter)

	ran := false
	require.NoError(t, r.Register(&Definition{
		Name:    "expiring",
		Handler: func(context.Context, map[string]any) error { ran = true; return nil },
	}))

	past := time.Now().Add(-time.Minute)
	job := &Job{ID: "j1", Name: "expiring", EnqueuedAt: past, ExpireAt: &past}
	require.NoError(t, adapter.Publish(context.Background(), job))

	processed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.False(t, ran, "expired jobs never reach the handler")
}

func TestSingletonDeduplicates(t *testing.T) {
	adapter := NewMemoryAdapter()
	r := NewRegistry(adapter)
	require.NoError(t, r.Register(&Definition{
		Name:    "reindex",
		Handler: func(context.Context, map[string]any) error { return nil },
		Options: Options{Singleton: true},
	}))

	ctx := context.Background()
	_, err := r.Publish(ctx, "reindex", nil)
	require.NoError(t, err)
	_, err = r.Publish(ctx, "reindex", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.Depth())
}

func TestMemoryAdapterPriorityAndDelay(t *testing.T) {
	adapter := NewMemoryAdapter()
	ctx := context.Background()

	require.NoError(t, adapter.Publish(ctx, &Job{ID: "low", Name: "a", Priority: 1}))
	require.NoError(t, adapter.Publish(ctx, &Job{ID: "high", Name: "b", Priority: 10}))
	future := time.Now().Add(time.Hour)
	require.NoError(t, adapter.Publish(ctx, &Job{ID: "later", Name: "c", Priority: 99, StartAfter: &future}))

	var order []string
	_, err := adapter.RunOnce(ctx, func(_ context.Context, job *Job) error {
		order = append(order, job.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, order, "delayed job stays queued")
	assert.Equal(t, 1, adapter.Depth())
}

func TestListenProcessesUntilCancelled(t *testing.T) {
	adapter := NewMemoryAdapter()
	adapter.Tick = time.Millisecond
	r := NewRegistry(adapter)

	done := make(chan struct{})
	require.NoError(t, r.Register(&Definition{
		Name:    "ping",
		Handler: func(context.Context, map[string]any) error { close(done); return nil },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- r.Listen(ctx) }()

	_, err := r.Publish(ctx, "ping", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}

	cancel()
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop on cancellation")
	}
}

func TestPushConsumerUnsupportedOnPollingAdapters(t *testing.T) {
	r := NewRegistry(NewMemoryAdapter())
	_, err := r.CreatePushConsumer()
	assert.Equal(t, common.KindNotImplemented, common.KindOf(err))
}

func TestScheduleAndUnschedule(t *testing.T) {
	r := NewRegistry(NewMemoryAdapter())
	require.NoError(t, r.Register(&Definition{
		Name:    "cleanup",
		Handler: func(context.Context, map[string]any) error { return nil },
	}))

	require.NoError(t, r.Schedule("cleanup", "@every 1h"))
	// Replacing an existing schedule is allowed.
	require.NoError(t, r.Schedule("cleanup", "@hourly"))
	assert.Equal(t, common.KindBadRequest, common.KindOf(r.Schedule("cleanup", "bogus")))
	assert.Equal(t, common.KindNotFound, common.KindOf(r.Schedule("missing", "@hourly")))

	r.Unschedule("cleanup")
	r.Unschedule("cleanup") // idempotent
}
