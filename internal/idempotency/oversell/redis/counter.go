// Package redis provides a Redis-backed oversell.CounterBackend using a
// Lua script so the check-then-decrement is atomic across concurrent
// callers.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nordkit/idemguard/internal/idempotency/oversell"
)

const keyPrefix = "stock:"

// decrementScript distinguishes an unseeded counter (-2, unknown
// resource) from one with insufficient stock (-1) and never lets the
// counter go negative. A non-negative reply is the remaining count
// after a successful decrement, so it can't collide with either
// sentinel.
var decrementScript = redis.NewScript(`
	local raw = redis.call("GET", KEYS[1])
	if raw == false then
		return -2
	end
	local current = tonumber(raw)
	local quantity = tonumber(ARGV[1])
	if current < quantity then
		return -1
	end
	redis.call("DECRBY", KEYS[1], quantity)
	return current - quantity
`)

// Counter implements oversell.CounterBackend on top of a Redis client.
// The counter for a product must be seeded (e.g. via SET) before first
// use; Decrement on an unseeded key returns ErrProductNotFound.
type Counter struct {
	client *redis.Client
}

// NewCounter wraps an existing Redis client.
func NewCounter(client *redis.Client) *Counter {
	return &Counter{client: client}
}

func stockKey(productID string) string {
	return keyPrefix + productID
}

func (c *Counter) Decrement(ctx context.Context, productID string, quantity int) (bool, error) {
	res, err := decrementScript.Run(ctx, c.client, []string{stockKey(productID)}, quantity).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: decrement stock: %v", oversell.ErrBackend, err)
	}
	switch {
	case res == -2:
		return false, fmt.Errorf("%w: %s", oversell.ErrProductNotFound, productID)
	case res == -1:
		return false, nil
	default:
		return true, nil
	}
}

func (c *Counter) Increment(ctx context.Context, productID string, quantity int) error {
	if err := c.client.IncrBy(ctx, stockKey(productID), int64(quantity)).Err(); err != nil {
		return fmt.Errorf("%w: increment stock: %v", oversell.ErrBackend, err)
	}
	return nil
}

// Seed sets productID's stock to quantity, overwriting any existing
// value. Intended for test setup and initial provisioning.
func (c *Counter) Seed(ctx context.Context, productID string, quantity int) error {
	if err := c.client.Set(ctx, stockKey(productID), quantity, 0).Err(); err != nil {
		return fmt.Errorf("%w: seed stock: %v", oversell.ErrBackend, err)
	}
	return nil
}
