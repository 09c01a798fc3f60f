// Package ratelimit admits or rejects requests per (client key, tier) using
// fixed-window counters. Backends: in-memory (single instance, sharded
// per-key locking) and Redis (shared across instances, atomic Lua script).
//
// Fixed windows keep one counter per key and make check-and-increment a
// single step; the cost is that a client can land up to 2x the quota across
// a window boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
)

// Limiter is implemented by every rate limiting backend.
type Limiter interface {
	Admit(ctx context.Context, clientKey string, tier domain.Tier) (Decision, error)
}

// Resetter is implemented by backends that can drop a client's counter.
type Resetter interface {
	Reset(ctx context.Context, clientKey string, tier domain.Tier) error
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

const shardCount = 64

// InMemoryLimiter keeps counters in process memory. Keys are spread over
// shards; the read-increment-compare for a key runs under its shard's lock.
type InMemoryLimiter struct {
	shards [shardCount]*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

type Option func(*InMemoryLimiter)

// WithClock replaces time.Now. Tests use it to step across window boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *InMemoryLimiter) { l.now = now }
}

func NewInMemoryLimiter(opts ...Option) *InMemoryLimiter {
	l := &InMemoryLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{records: make(map[string]*record)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemoryLimiter) Admit(ctx context.Context, clientKey string, tier domain.Tier) (Decision, error) {
	key := recordKey(clientKey, tier)
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	rec, ok := s.records[key]
	if !ok || now.Sub(rec.windowStart) >= tier.Window {
		rec = &record{windowStart: now, window: tier.Window}
		s.records[key] = rec
	}
	rec.count++

	return decide(tier, rec.count, now.Sub(rec.windowStart), rec.windowStart.Add(tier.Window)), nil
}

func (l *InMemoryLimiter) Reset(ctx context.Context, clientKey string, tier domain.Tier) error {
	key := recordKey(clientKey, tier)
	s := l.shardFor(key)

	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops records whose window has fully elapsed and returns how many
// records remain.
func (l *InMemoryLimiter) Sweep() int {
	now := l.now()
	remaining := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, rec := range s.records {
			if now.Sub(rec.windowStart) >= rec.window {
				delete(s.records, key)
			}
		}
		remaining += len(s.records)
		s.mu.Unlock()
	}
	return remaining
}

// StartJanitor sweeps expired records every interval until ctx is done.
func (l *InMemoryLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetRateLimitKeys(l.Sweep())
			}
		}
	}()
}

func (l *InMemoryLimiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%shardCount]
}

func recordKey(clientKey string, tier domain.Tier) string {
	return tier.Name + "|" + clientKey
}

// decide applies the quota to a post-increment count.
func decide(tier domain.Tier, count int, elapsed time.Duration, resetAt time.Time) Decision {
	remaining := tier.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= tier.MaxRequests,
		Limit:     tier.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		// Clock skew can push elapsed outside the window.
		d.RetryAfter = min(max(tier.Window-elapsed, 0), tier.Window)
	}
	return d
}
