// Package oversell guards a limited-stock resource so a burst of
// concurrent requests, idempotent or not, can never decrement it below
// zero.
package oversell

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientStock is returned by Guard.Reserve when quantity
	// exceeds what remains for productID.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrProductNotFound is returned by Guard.Reserve when productID has
	// no counter at all, distinct from an exhausted one.
	ErrProductNotFound = errors.New("product not found")
	// ErrBackend wraps any failure originating in the counter's
	// underlying storage medium.
	ErrBackend = errors.New("oversell counter backend error")
)

// CounterBackend atomically decrements and restores a per-product
// quantity. Decrement must never let the counter go negative.
type CounterBackend interface {
	// Decrement reduces productID's count by quantity if at least that
	// much remains, reporting whether it did. It returns an error
	// wrapping ErrProductNotFound if productID has no counter at all.
	Decrement(ctx context.Context, productID string, quantity int) (bool, error)
	// Increment restores quantity back to productID's count, used to
	// compensate a reservation whose request ultimately failed.
	Increment(ctx context.Context, productID string, quantity int) error
}

// Guard reserves stock for a product before a handler runs and
// compensates the reservation if the handler's own logic fails after
// the fact.
type Guard struct {
	backend CounterBackend
}

// New wraps a CounterBackend.
func New(backend CounterBackend) *Guard {
	return &Guard{backend: backend}
}

// Reserve attempts to take quantity units of productID, returning
// ErrInsufficientStock if not enough remain.
func (g *Guard) Reserve(ctx context.Context, productID string, quantity int) error {
	ok, err := g.backend.Decrement(ctx, productID, quantity)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientStock
	}
	return nil
}

// Release compensates a prior successful Reserve, e.g. because the
// wrapped handler failed after stock was already decremented.
func (g *Guard) Release(ctx context.Context, productID string, quantity int) error {
	return g.backend.Increment(ctx, productID, quantity)
}
