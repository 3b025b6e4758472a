// Package hotcache implements a positive-only presence cache: once a
// key is known to have a completed, stored record, Mark lets later
// requests short-circuit the lock/storage round trip for a short TTL.
// Because it is never used to assert a key's absence, a false miss just
// falls through to the authoritative path; it can never cause a
// duplicate to be treated as new.
package hotcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sharedKeyPrefix = "idempotency-seen:"

// Cache combines an in-process tier with an optional shared tier so a
// hit anywhere in the fleet short-circuits the slow path, not just on
// the instance that first saw the key.
type Cache struct {
	ttl time.Duration

	mu    sync.Mutex
	local map[string]time.Time

	shared *redis.Client
	log    *slog.Logger
}

// New creates a Cache with the given entry TTL. shared may be nil to
// run purely in-process.
func New(ttl time.Duration, shared *redis.Client, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		ttl:    ttl,
		local:  make(map[string]time.Time),
		shared: shared,
		log:    log,
	}
}

// Seen reports whether key was marked within the last TTL, checking the
// in-process tier first and falling back to the shared tier if present.
func (c *Cache) Seen(ctx context.Context, key string) bool {
	if c.seenLocally(key) {
		return true
	}

	if c.shared == nil {
		return false
	}

	ok, err := c.shared.Exists(ctx, sharedKeyPrefix+key).Result()
	if err != nil {
		c.log.WarnContext(ctx, "hot cache shared tier unavailable, treating as miss",
			slog.String("key", key), slog.Any("error", err))
		return false
	}

	return ok > 0
}

func (c *Cache) seenLocally(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.local[key]
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		delete(c.local, key)
		return false
	}
	return true
}

// Mark records key as seen for the configured TTL in both tiers. A
// shared-tier failure is logged and otherwise ignored: the local tier
// already provides correctness on this instance.
func (c *Cache) Mark(ctx context.Context, key string) {
	c.mu.Lock()
	c.local[key] = time.Now().Add(c.ttl)
	c.mu.Unlock()

	if c.shared == nil {
		return
	}

	if err := c.shared.Set(ctx, sharedKeyPrefix+key, "1", c.ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "failed to mark key in shared hot cache",
			slog.String("key", key), slog.Any("error", err))
	}
}

// Purge removes expired entries from the in-process tier. Intended to
// be called periodically so long-lived processes don't accumulate an
// unbounded map of stale entries.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, expiresAt := range c.local {
		if now.After(expiresAt) {
			delete(c.local, k)
			removed++
		}
	}
	return removed
}
