// Package kv provides the small key-value store used for caches, preview
// sessions and cross-request state, with Redis and bbolt drivers.
package kv

import (
	"context"
	"time"
)

// KV is the store contract. Values are opaque bytes; a zero TTL means no
// expiry. Missing keys return a NotFound error.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
