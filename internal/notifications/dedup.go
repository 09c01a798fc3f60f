package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeat notifications for the same condition
// within a window, across every gateway instance sharing its backend.
type Deduplicator interface {
	// ShouldNotify reports whether key has not been notified within the
	// window, and claims it when so.
	ShouldNotify(ctx context.Context, key string) bool
}

type InMemoryDeduplicator struct {
	mu        sync.Mutex
	window    time.Duration
	now       func() time.Time
	sent      map[string]time.Time
	lastSweep time.Time
}

func NewInMemoryDeduplicator(window time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		window: window,
		now:    time.Now,
		sent:   make(map[string]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldNotify(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.sent[key]; ok && now.Sub(at) < d.window {
		return false
	}

	if now.Sub(d.lastSweep) >= d.window {
		d.sweep(now)
	}

	d.sent[key] = now
	return true
}

// sweep runs at most once per window, so the map holds at most two
// windows of distinct keys and each call costs amortised O(1).
func (d *InMemoryDeduplicator) sweep(now time.Time) {
	for k, at := range d.sent {
		if now.Sub(at) >= d.window {
			delete(d.sent, k)
		}
	}
	d.lastSweep = now
}

func (d *InMemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// RedisDeduplicator claims keys with SETNX so only one instance sends.
type RedisDeduplicator struct {
	client    redis.UniversalClient
	window    time.Duration
	keyPrefix string
}

func NewRedisDeduplicator(client redis.UniversalClient, window time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:    client,
		window:    window,
		keyPrefix: "notify:dedup:",
	}
}

func (d *RedisDeduplicator) key(key string) string {
	return fmt.Sprintf("%s%s", d.keyPrefix, key)
}

func (d *RedisDeduplicator) ShouldNotify(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.key(key), time.Now().Unix(), d.window).Result()
	if err != nil {
		// Duplicate alerts beat silent ones.
		slog.Warn("notification dedup unavailable", "error", err)
		return true
	}
	return acquired
}
