// Package postgres provides a SQL-backed oversell.CounterBackend for
// deployments without Redis, using the row's own CHECK constraint and
// an atomic UPDATE ... RETURNING as the decrement primitive.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nordkit/idemguard/internal/idempotency/oversell"
)

// Counter implements oversell.CounterBackend against the product_stock
// table.
type Counter struct {
	pool *pgxpool.Pool
}

// NewCounter wraps an existing connection pool.
func NewCounter(pool *pgxpool.Pool) *Counter {
	return &Counter{pool: pool}
}

// Decrement distinguishes a missing product row (ErrProductNotFound)
// from one with insufficient quantity (false, nil) with an existence
// check run only after the conditional update matches no row; the two conditions
// would otherwise both manifest as "zero rows updated".
func (c *Counter) Decrement(ctx context.Context, productID string, quantity int) (bool, error) {
	query := `
		UPDATE product_stock
		SET quantity = quantity - $1
		WHERE product_id = $2 AND quantity >= $1
		RETURNING quantity
	`

	var remaining int
	err := c.pool.QueryRow(ctx, query, quantity, productID).Scan(&remaining)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: decrement stock: %v", oversell.ErrBackend, err)
	}

	exists, existsErr := c.exists(ctx, productID)
	if existsErr != nil {
		return false, existsErr
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", oversell.ErrProductNotFound, productID)
	}
	return false, nil
}

func (c *Counter) exists(ctx context.Context, productID string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM product_stock WHERE product_id = $1)`, productID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%w: check product existence: %v", oversell.ErrBackend, err)
	}
	return ok, nil
}

func (c *Counter) Increment(ctx context.Context, productID string, quantity int) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE product_stock SET quantity = quantity + $1 WHERE product_id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("%w: increment stock: %v", oversell.ErrBackend, err)
	}
	return nil
}

// Seed inserts or resets productID's stock to quantity.
func (c *Counter) Seed(ctx context.Context, productID string, quantity int) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO product_stock (product_id, quantity)
		VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, productID, quantity)
	if err != nil {
		return fmt.Errorf("%w: seed stock: %v", oversell.ErrBackend, err)
	}
	return nil
}
