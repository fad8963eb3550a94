package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis-backed remote tier.
type RedisConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// RedisBackend implements Backend on a Redis instance.
type RedisBackend struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (r *RedisBackend) Client() *goredis.Client { return r.client }

// NewRedisBackend creates a RedisBackend and pings the server.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[cache] connected to redis at %s", cfg.Addr)
	return &RedisBackend{client: client}, nil
}

// Get fetches the value and remaining TTL in one pipelined round trip.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if err == goredis.Nil {
			return nil, 0, ErrBackendMiss
		}
		return nil, 0, fmt.Errorf("redis get %s: %w", key, err)
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, 0, ErrBackendMiss
		}
		return nil, 0, fmt.Errorf("redis get %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0 // no expiry set or unknown; caller applies its own default
	}
	return data, ttl, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys scans for keys under prefix. SCAN, not KEYS, so a large keyspace does
// not block the server.
func (r *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return out, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
