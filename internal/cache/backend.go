package cache

import (
	"context"
	"errors"
	"time"
)

// ErrBackendMiss is returned by a Backend when a key is absent or expired.
var ErrBackendMiss = errors.New("cache backend miss")

// Backend is the shared remote tier behind the unified cache. It provides
// cross-process consistency and survives process restarts; the unified cache
// treats its unavailability as degraded, never fatal. Implementations must be
// safe for concurrent use.
type Backend interface {
	// Get returns the stored value and its remaining TTL.
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Keys lists stored keys matching prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}
