// Package memory provides an in-process oversell.CounterBackend for
// single-instance deployments with no Redis or Postgres available.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nordkit/idemguard/internal/idempotency/oversell"
)

// Counter implements oversell.CounterBackend on top of a map guarded by
// a mutex. The counter for a product must be seeded before first use;
// an unseeded product reports ErrProductNotFound, same as the network
// backends.
type Counter struct {
	mu    sync.Mutex
	stock map[string]int
}

// NewCounter creates an empty in-memory counter.
func NewCounter() *Counter {
	return &Counter{stock: make(map[string]int)}
}

func (c *Counter) Decrement(_ context.Context, productID string, quantity int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.stock[productID]
	if !ok {
		return false, fmt.Errorf("%w: %s", oversell.ErrProductNotFound, productID)
	}
	if current < quantity {
		return false, nil
	}
	c.stock[productID] = current - quantity
	return true, nil
}

func (c *Counter) Increment(_ context.Context, productID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stock[productID] += quantity
	return nil
}

// Seed sets productID's stock to quantity, overwriting any existing
// value. Intended for test setup and initial provisioning.
func (c *Counter) Seed(_ context.Context, productID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stock[productID] = quantity
	return nil
}
