package storage

import (
	"context"
	"time"
)

// CacheStore — short-lived cache for expensive chat and message reads.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix drops every key under prefix. Used to invalidate a
	// whole chat after a write.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}
