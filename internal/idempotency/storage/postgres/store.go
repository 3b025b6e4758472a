// Package postgres provides a Postgres-backed Storage implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nordkit/idemguard/internal/database"
	"github.com/nordkit/idemguard/internal/idempotency/storage"
)

// Store persists idempotency records in the idempotency_keys table.
type Store struct {
	pool    *pgxpool.Pool
	metrics *database.Metrics
}

// NewStore wraps an existing connection pool. metrics may be nil, in
// which case query durations are not recorded.
func NewStore(pool *pgxpool.Pool, metrics *database.Metrics) *Store {
	return &Store{pool: pool, metrics: metrics}
}

func (s *Store) record(ctx context.Context, operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordQuery(ctx, operation, time.Since(start).Seconds())
}

// Get reads the live record for key. The query takes FOR UPDATE SKIP
// LOCKED so a row a concurrent writer is mid-commit on is treated as
// not-yet-visible rather than blocking this read.
func (s *Store) Get(ctx context.Context, key string) (storage.Record, error) {
	defer s.record(ctx, "get", time.Now())

	query := `
		SELECT key, status_code, headers, body, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > now()
		FOR UPDATE SKIP LOCKED
	`

	var rec storage.Record
	var headersJSON []byte

	err := s.pool.QueryRow(ctx, query, key).Scan(
		&rec.Key,
		&rec.StatusCode,
		&headersJSON,
		&rec.Body,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("%w: select idempotency key: %v", storage.ErrBackend, err)
	}

	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
			return storage.Record{}, fmt.Errorf("%w: decode headers: %v", storage.ErrBackend, err)
		}
	}

	return rec, nil
}

const (
	maxPutAttempts = 3
	putRetryDelay  = 100 * time.Millisecond
)

// Put inserts rec if no live record exists for rec.Key. An existing but
// expired row is overwritten in place rather than left to Cleanup.
// Deadlocks and serialization failures are retried a fixed number of
// times before surfacing as ErrBackend.
func (s *Store) Put(ctx context.Context, rec storage.Record) error {
	defer s.record(ctx, "put", time.Now())

	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("%w: encode headers: %v", storage.ErrBackend, err)
	}

	query := `
		INSERT INTO idempotency_keys (key, status_code, headers, body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE
			SET status_code = EXCLUDED.status_code,
				headers     = EXCLUDED.headers,
				body        = EXCLUDED.body,
				created_at  = EXCLUDED.created_at,
				expires_at  = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= now()
	`

	var lastErr error
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		tag, err := s.pool.Exec(ctx, query,
			rec.Key, rec.StatusCode, headersJSON, rec.Body, rec.CreatedAt, rec.ExpiresAt)
		if err == nil {
			if tag.RowsAffected() == 0 {
				return storage.ErrConflict
			}
			return nil
		}

		if !isDeadlock(err) {
			return fmt.Errorf("%w: insert idempotency key: %v", storage.ErrBackend, err)
		}
		lastErr = err

		select {
		case <-time.After(putRetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: insert idempotency key: %v", storage.ErrBackend, ctx.Err())
		}
	}

	return fmt.Errorf("%w: insert idempotency key after %d attempts: %v", storage.ErrBackend, maxPutAttempts, lastErr)
}

// Exists reports whether a live record is present for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	defer s.record(ctx, "exists", time.Now())

	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM idempotency_keys WHERE key = $1 AND expires_at > now())`,
		key,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%w: check idempotency key existence: %v", storage.ErrBackend, err)
	}
	return ok, nil
}

// MultiGet bulk-reads keys, omitting absent or expired ones from the
// result. Selects with FOR UPDATE SKIP LOCKED so a row a concurrent
// writer is still committing does not block the read; it is simply
// treated as not-yet-visible.
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string]storage.Record, error) {
	defer s.record(ctx, "multi_get", time.Now())

	if len(keys) == 0 {
		return map[string]storage.Record{}, nil
	}

	query := `
		SELECT key, status_code, headers, body, created_at, expires_at
		FROM idempotency_keys
		WHERE key = ANY($1) AND expires_at > now()
		FOR UPDATE SKIP LOCKED
	`

	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: multi-get idempotency keys: %v", storage.ErrBackend, err)
	}
	defer rows.Close()

	out := make(map[string]storage.Record, len(keys))
	for rows.Next() {
		var rec storage.Record
		var headersJSON []byte

		if err := rows.Scan(&rec.Key, &rec.StatusCode, &headersJSON, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%w: scan idempotency key row: %v", storage.ErrBackend, err)
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
				return nil, fmt.Errorf("%w: decode headers: %v", storage.ErrBackend, err)
			}
		}
		out[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate idempotency key rows: %v", storage.ErrBackend, err)
	}

	return out, nil
}

// Delete removes the row for key, expired or not, and reports whether
// the removed row was still live.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	defer s.record(ctx, "delete", time.Now())

	var live bool
	err := s.pool.QueryRow(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 RETURNING expires_at > now()`, key,
	).Scan(&live)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: delete idempotency key: %v", storage.ErrBackend, err)
	}
	return live, nil
}

// Cleanup deletes up to max expired rows in a single batch, using a
// subquery so the LIMIT applies to the rows considered for deletion.
func (s *Store) Cleanup(ctx context.Context, max int) (int, error) {
	defer s.record(ctx, "cleanup", time.Now())

	query := `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= now()
			LIMIT $1
		)
	`

	tag, err := s.pool.Exec(ctx, query, max)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup expired keys: %v", storage.ErrBackend, err)
	}

	return int(tag.RowsAffected()), nil
}

// isDeadlock reports whether err is a Postgres deadlock or serialization
// failure, both of which are safe to retry with a fresh transaction.
func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001": // deadlock_detected, serialization_failure
			return true
		}
	}
	return false
}
