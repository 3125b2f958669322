package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratacms/strata/common"
)

// RedisAdapter is a distributed queue over Redis: a ready list consumed with
// blocking pops, a delayed sorted set scored by ready-time, and a singleton
// name set. Jobs are FIFO within the ready list; Priority only affects
// adapters that order their backlog.
type RedisAdapter struct {
	errorSink

	client *redis.Client
	prefix string

	// BlockTimeout bounds each blocking pop so Listen can observe
	// context cancellation.
	BlockTimeout time.Duration
}

// RedisConfig configures the adapter.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// KeyPrefix namespaces the queue keys (defaults to "strata:jobs:").
	KeyPrefix string
}

func NewRedisAdapter(ctx context.Context, cfg RedisConfig) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "strata:jobs:"
	}
	return &RedisAdapter{client: client, prefix: prefix, BlockTimeout: time.Second}, nil
}

// NewRedisAdapterWithClient wraps an existing client; tests inject miniredis
// through here.
func NewRedisAdapterWithClient(client *redis.Client, prefix string) *RedisAdapter {
	if prefix == "" {
		prefix = "strata:jobs:"
	}
	return &RedisAdapter{client: client, prefix: prefix, BlockTimeout: time.Second}
}

func (r *RedisAdapter) Capabilities() Capabilities {
	return Capabilities{
		LongRunningConsumer: true,
		RunOnceConsumer:     true,
		Scheduling:          true,
		Singleton:           true,
	}
}

func (r *RedisAdapter) readyKey() string     { return r.prefix + "ready" }
func (r *RedisAdapter) delayedKey() string   { return r.prefix + "delayed" }
func (r *RedisAdapter) singletonKey() string { return r.prefix + "singleton" }

func (r *RedisAdapter) Publish(ctx context.Context, job *Job) error {
	if job.Singleton {
		added, err := r.client.SAdd(ctx, r.singletonKey(), job.Name).Result()
		if err != nil {
			return fmt.Errorf("failed to track singleton: %w", err)
		}
		if added == 0 {
			// Already queued.
			return nil
		}
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if job.StartAfter != nil && job.StartAfter.After(time.Now()) {
		return r.client.ZAdd(ctx, r.delayedKey(), redis.Z{
			Score:  float64(job.StartAfter.Unix()),
			Member: string(raw),
		}).Err()
	}
	return r.client.RPush(ctx, r.readyKey(), string(raw)).Err()
}

// promote moves due delayed jobs onto the ready list.
func (r *RedisAdapter) promote(ctx context.Context, now time.Time) error {
	due, err := r.client.ZRangeByScore(ctx, r.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		if err := r.client.RPush(ctx, r.readyKey(), raw).Err(); err != nil {
			return err
		}
		if err := r.client.ZRem(ctx, r.delayedKey(), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisAdapter) decode(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (r *RedisAdapter) dequeued(ctx context.Context, job *Job) {
	if job.Singleton {
		if err := r.client.SRem(ctx, r.singletonKey(), job.Name).Err(); err != nil {
			common.Logger.WithError(err).WithField("job", job.Name).Warn("singleton cleanup failed")
		}
	}
}

func (r *RedisAdapter) Listen(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.promote(ctx, time.Now()); err != nil {
			common.Logger.WithError(err).Warn("delayed job promotion failed")
			r.emitError(err)
		}
		result, err := r.client.BLPop(ctx, r.BlockTimeout, r.readyKey()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			common.Logger.WithError(err).Warn("job dequeue failed")
			r.emitError(err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}
		job, err := r.decode(result[1])
		if err != nil {
			common.Logger.WithError(err).Warn("dropping undecodable job")
			r.emitError(err)
			continue
		}
		r.dequeued(ctx, job)
		_ = handler(ctx, job)
	}
}

func (r *RedisAdapter) RunOnce(ctx context.Context, handler Handler) (int, error) {
	if err := r.promote(ctx, time.Now()); err != nil {
		return 0, err
	}
	count := 0
	for {
		raw, err := r.client.LPop(ctx, r.readyKey()).Result()
		if err == redis.Nil {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		job, err := r.decode(raw)
		if err != nil {
			common.Logger.WithError(err).Warn("dropping undecodable job")
			r.emitError(err)
			continue
		}
		r.dequeued(ctx, job)
		_ = handler(ctx, job)
		count++
	}
}

func (r *RedisAdapter) CreatePushConsumer(Handler) (PushConsumer, error) {
	return nil, common.E(common.KindNotImplemented, "Redis adapter has no push consumer")
}

// Depth reports ready plus delayed jobs.
func (r *RedisAdapter) Depth(ctx context.Context) (int, error) {
	ready, err := r.client.LLen(ctx, r.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := r.client.ZCard(ctx, r.delayedKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(ready + delayed), nil
}

func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
