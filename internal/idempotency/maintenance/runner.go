// Package maintenance runs periodic, out-of-band eviction of expired
// idempotency records so a long-lived process doesn't accumulate an
// unbounded backing store between requests.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/nordkit/idemguard/internal/idempotency/storage"
)

// Runner drives Storage.Cleanup on a fixed cadence until its context is
// canceled.
type Runner struct {
	storage  storage.Storage
	interval time.Duration
	batchMax int
	log      *slog.Logger
}

// NewRunner constructs a Runner. interval is the sweep cadence and
// batchMax bounds how many expired records a single sweep removes.
func NewRunner(store storage.Storage, interval time.Duration, batchMax int, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		storage:  store,
		interval: interval,
		batchMax: batchMax,
		log:      log,
	}
}

// Run blocks, sweeping every interval, until ctx is canceled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single cleanup pass synchronously and logs the outcome.
// Run calls it on every tick; the idemctl cleanup command does not use
// it and calls Storage.Cleanup directly.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	n, err := r.storage.Cleanup(ctx, r.batchMax)
	if err != nil {
		r.log.ErrorContext(ctx, "maintenance cleanup failed", slog.Any("error", err))
		return 0, err
	}
	if n > 0 {
		r.log.InfoContext(ctx, "maintenance cleanup removed expired idempotency records", slog.Int("count", n))
	}
	return n, nil
}
