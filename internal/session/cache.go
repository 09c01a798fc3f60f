package session

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/crypto"
	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/felipepmaragno/storefront-gateway/internal/metrics"
)

// Cache holds recently verified sessions keyed by credential fingerprint.
// An entry lives for at most the configured TTL and never past the
// session's own expiry. Invalidations leave a tombstone so that a lookup
// already in flight when the sign-out arrived cannot re-populate the entry.
type Cache struct {
	fp  *crypto.Fingerprinter
	ttl time.Duration
	now func() time.Time

	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	byUser     map[string]map[string]struct{}
	tombstones map[string]time.Time
}

type cacheEntry struct {
	session   *domain.Session
	expiresAt time.Time
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(fp *crypto.Fingerprinter, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		fp:         fp,
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[string]*cacheEntry),
		byUser:     make(map[string]map[string]struct{}),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Get(credential string) (*domain.Session, bool) {
	key := c.fp.Fingerprint(credential)

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.session, true
}

// Set stores s unless its credential or user was invalidated at or after
// lookupStarted.
func (c *Cache) Set(credential string, s *domain.Session, lookupStarted time.Time) {
	now := c.now()
	expiresAt := now.Add(c.ttl)
	if s.ExpiresAt.Before(expiresAt) {
		expiresAt = s.ExpiresAt
	}
	if !now.Before(expiresAt) {
		return
	}

	key := c.fp.Fingerprint(credential)

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tombstones[key]; ok && !t.Before(lookupStarted) {
		return
	}
	if t, ok := c.tombstones[userTombstone(s.UserID)]; ok && !t.Before(lookupStarted) {
		return
	}

	c.entries[key] = &cacheEntry{session: s, expiresAt: expiresAt}
	keys, ok := c.byUser[s.UserID]
	if !ok {
		keys = make(map[string]struct{})
		c.byUser[s.UserID] = keys
	}
	keys[key] = struct{}{}
}

// Invalidate drops the entry for one credential.
func (c *Cache) Invalidate(credential string) {
	key := c.fp.Fingerprint(credential)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tombstones[key] = c.now()
	c.removeLocked(key)
}

// InvalidateUser drops every cached session of userID and returns how many
// entries were removed.
func (c *Cache) InvalidateUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tombstones[userTombstone(userID)] = c.now()
	keys := c.byUser[userID]
	for key := range keys {
		delete(c.entries, key)
	}
	delete(c.byUser, userID)
	return len(keys)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and tombstones older than the TTL.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(key)
		}
	}
	for key, t := range c.tombstones {
		if now.Sub(t) > c.ttl {
			delete(c.tombstones, key)
		}
	}
	return len(c.entries)
}

func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
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
				metrics.SetSessionCacheEntries(c.Sweep())
			}
		}
	}()
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if keys, ok := c.byUser[e.session.UserID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byUser, e.session.UserID)
		}
	}
}

// user tombstones share the map with fingerprints; the prefix keeps them
// from colliding with hex digests.
func userTombstone(userID string) string {
	return "user:" + userID
}
