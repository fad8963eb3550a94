package universe

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisStore keeps universes in Redis sorted sets so membership survives
// process restarts and is shared across processes. Scores are insertion
// timestamps, which preserves insertion order under ZRANGE.
type RedisStore struct {
	client *goredis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *goredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) key(name string) string { return "universe:" + name }

func (r *RedisStore) Add(ctx context.Context, name string, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	members := make([]*goredis.Z, len(symbols))
	base := float64(time.Now().UnixNano())
	for i, s := range symbols {
		// NX keeps the original score, so re-adding never reorders.
		members[i] = &goredis.Z{Score: base + float64(i), Member: s}
	}
	if err := r.client.ZAddNX(ctx, r.key(name), members...).Err(); err != nil {
		return fmt.Errorf("universe add %s: %w", name, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, name string) ([]string, error) {
	symbols, err := r.client.ZRange(ctx, r.key(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("universe list %s: %w", name, err)
	}
	return symbols, nil
}

func (r *RedisStore) Remove(ctx context.Context, name string, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	members := make([]interface{}, len(symbols))
	for i, s := range symbols {
		members[i] = s
	}
	if err := r.client.ZRem(ctx, r.key(name), members...).Err(); err != nil {
		return fmt.Errorf("universe remove %s: %w", name, err)
	}
	return nil
}
