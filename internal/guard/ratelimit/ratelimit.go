// Package ratelimit provides the rate-limit stores the post-guard consults
// for per-(user, adapter, action) limits. The in-memory store keeps a token
// bucket per key and serves a single process; the redis store keeps a shared
// sliding window across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result reports one rate limit decision.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Store checks and consumes one token for a key.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// MemoryStore implements Store with per-key token buckets. Not distributed;
// use RedisStore when more than one replica serves a household.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes one token for the key, creating its bucket on first use.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		s.limiters[key] = lim
	}
	s.mu.Unlock()

	now := time.Now()
	allowed := lim.Allow()
	remaining := int(lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(window / time.Duration(limit)),
	}, nil
}

// Reset clears the bucket for a key.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, key)
}
