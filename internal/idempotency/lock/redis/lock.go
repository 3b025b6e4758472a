// Package redis provides a Redis-backed Locker using SETNX for
// acquisition and a token-checked Lua script for release.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nordkit/idemguard/internal/idempotency/lock"
)

const keyPrefix = "idempotency-lock:"

// releaseScript deletes the lock key only if its value still matches
// the caller's token, preventing a request from releasing a lock it no
// longer owns after its TTL expired and another request acquired it.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Locker implements lock.Locker on top of a Redis client.
type Locker struct {
	client *redis.Client
}

// NewLocker wraps an existing Redis client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

func lockKey(key string) string {
	return keyPrefix + key
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Token, error) {
	token := lock.Token(uuid.NewString())

	ok, err := l.client.SetNX(ctx, lockKey(key), string(token), ttl).Result()
	if err != nil {
		return "", fmt.Errorf("%w: acquire lock: %v", lock.ErrBackend, err)
	}
	if !ok {
		return "", lock.ErrHeld
	}

	return token, nil
}

// IsLocked is an observational check: the result may be stale by the
// time the caller acts on it.
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check lock state: %v", lock.ErrBackend, err)
	}
	return n > 0, nil
}

func (l *Locker) Release(ctx context.Context, key string, token lock.Token) error {
	res, err := releaseScript.Run(ctx, l.client, []string{lockKey(key)}, string(token)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: release lock: %v", lock.ErrBackend, err)
	}
	if res == 0 {
		return lock.ErrNotOwner
	}

	return nil
}
