package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratacms/strata/common"
)

// RedisKV stores values in Redis (or any protocol-compatible server such as
// DragonflyDB).
type RedisKV struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the driver.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// KeyPrefix namespaces the keys (defaults to "strata:kv:").
	KeyPrefix string
}

func NewRedisKV(ctx context.Context, cfg RedisConfig) (*RedisKV, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisKVWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisKVWithClient wraps an existing client; tests inject miniredis
// through here.
func NewRedisKVWithClient(client *redis.Client, prefix string) *RedisKV {
	if prefix == "" {
		prefix = "strata:kv:"
	}
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, common.NotFound("key", key)
	}
	if err != nil {
		return nil, common.Internalf(err, "kv get %q failed", key)
	}
	return value, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return common.Internalf(err, "kv set %q failed", key)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return common.Internalf(err, "kv delete %q failed", key)
	}
	return nil
}

func (r *RedisKV) Close() error { return r.client.Close() }
