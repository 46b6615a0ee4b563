package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with a sliding window over a sorted set per
// key. The window survives process restarts and is shared across replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the dialed connection behind a RedisStore.
type RedisOptions struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore creates a store on an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "companion:ratelimit:"}
}

// DialRedis connects to redis and returns a ready store. The connection is
// owned by the store; Close releases it. Rate limiting is the only redis
// consumer in this process, so the client lives here rather than as a shared
// platform handle.
func DialRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		parsed.MinIdleConns = opts.MinIdleConns
	}
	if opts.DialTimeout > 0 {
		parsed.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		parsed.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		parsed.WriteTimeout = opts.WriteTimeout
	}

	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client), nil
}

// Close releases the underlying connection when the store owns it.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Allow records the request timestamp and counts the window. The add happens
// before the count so concurrent callers racing on the last token cannot both
// pass.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := time.Now()
	redisKey := s.prefix + key
	cutoff := now.Add(-window)
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ratelimit window for %s: %w", key, err)
	}

	n := int(count.Val())
	if n > limit {
		// Over the limit: the tentative member must not count against later
		// callers.
		s.client.ZRem(ctx, redisKey, member)
		return &Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: now.Add(window)}, nil
	}
	return &Result{Allowed: true, Remaining: limit - n, Limit: limit, ResetAt: now.Add(window)}, nil
}
