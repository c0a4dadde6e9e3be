// Package limiter enforces per-tool rate limits declared in tool contracts.
// The in-memory store serves single-node deployments; the Redis store shares
// buckets across replicas.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Store answers whether one invocation of a tool may proceed.
type Store interface {
	Allow(ctx context.Context, tool string, limit contracts.RateLimit) (bool, error)
}

// Check consults the store, failing closed when none is configured but the
// contract declares a limit.
func Check(ctx context.Context, store Store, tool string, limit *contracts.RateLimit) error {
	if limit == nil {
		return nil
	}
	if store == nil {
		return fmt.Errorf("limiter: no store configured for limited tool %s", tool)
	}
	allowed, err := store.Allow(ctx, tool, *limit)
	if err != nil {
		return fmt.Errorf("limiter: check failed for %s: %w", tool, err)
	}
	if !allowed {
		return fmt.Errorf("limiter: rate limit exceeded for %s", tool)
	}
	return nil
}

// InMemory keeps one token bucket per tool.
type InMemory struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the tool's bucket, creating it on first use
// from the contract's declared limit.
func (s *InMemory) Allow(_ context.Context, tool string, limit contracts.RateLimit) (bool, error) {
	if limit.Max <= 0 || limit.WindowMs <= 0 {
		return false, fmt.Errorf("limiter: invalid limit for %s: max=%d window_ms=%d", tool, limit.Max, limit.WindowMs)
	}

	s.mu.Lock()
	l, ok := s.limiters[tool]
	if !ok {
		window := time.Duration(limit.WindowMs) * time.Millisecond
		l = rate.NewLimiter(rate.Limit(float64(limit.Max)/window.Seconds()), limit.Max)
		s.limiters[tool] = l
	}
	s.mu.Unlock()

	return l.Allow(), nil
}
