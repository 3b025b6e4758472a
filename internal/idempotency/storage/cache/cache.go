// Package cache wraps an authoritative Storage with a faster, non-
// authoritative front tier. Reads prefer the cache and fall back to the
// authoritative store on a miss or a corrupted cache entry; writes
// always commit to the authoritative store before best-effort
// populating the cache.
package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nordkit/idemguard/internal/idempotency/storage"
)

// Storage is a read-through/write-through cache in front of an
// authoritative Storage. It implements storage.Storage itself so it can
// be used anywhere a plain backend is expected.
type Storage struct {
	authoritative storage.Storage
	front         storage.Storage
	log           *slog.Logger
}

// New wraps authoritative with front as its fast read tier.
func New(authoritative, front storage.Storage, log *slog.Logger) *Storage {
	if log == nil {
		log = slog.Default()
	}
	return &Storage{authoritative: authoritative, front: front, log: log}
}

// Get tries the front tier first. A clean miss (ErrNotFound) or a
// corrupted entry (ErrBackend) both fall through to the authoritative
// store rather than being reported as a miss to the caller; a corrupted
// entry is logged so a persistently failing cache tier is visible.
func (s *Storage) Get(ctx context.Context, key string) (storage.Record, error) {
	rec, err := s.front.Get(ctx, key)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, storage.ErrNotFound):
		// clean miss, fall through silently
	case errors.Is(err, storage.ErrBackend):
		s.log.WarnContext(ctx, "idempotency cache entry unreadable, falling back to authoritative store",
			slog.String("key", key), slog.Any("error", err))
	default:
		return storage.Record{}, err
	}

	rec, err = s.authoritative.Get(ctx, key)
	if err != nil {
		return storage.Record{}, err
	}

	if putErr := s.front.Put(ctx, rec); putErr != nil && !errors.Is(putErr, storage.ErrConflict) {
		s.log.WarnContext(ctx, "failed to populate idempotency cache", slog.String("key", key), slog.Any("error", putErr))
	}

	return rec, nil
}

// Exists checks the front tier first, falling back to the
// authoritative store on a miss.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := s.front.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return s.authoritative.Exists(ctx, key)
}

// MultiGet always delegates to the authoritative store: a partial cache
// hit would require per-key fallback bookkeeping that isn't worth it
// for what is already a bulk, less latency-sensitive read path.
func (s *Storage) MultiGet(ctx context.Context, keys []string) (map[string]storage.Record, error) {
	return s.authoritative.MultiGet(ctx, keys)
}

// Put commits rec to the authoritative store, then best-effort mirrors
// it into the front tier. A cache-tier failure never fails the call.
func (s *Storage) Put(ctx context.Context, rec storage.Record) error {
	if err := s.authoritative.Put(ctx, rec); err != nil {
		return err
	}

	if err := s.front.Put(ctx, rec); err != nil && !errors.Is(err, storage.ErrConflict) {
		s.log.WarnContext(ctx, "failed to populate idempotency cache after put", slog.String("key", rec.Key), slog.Any("error", err))
	}

	return nil
}

// Delete removes key from both tiers, reporting whether the
// authoritative store actually held a live record; a front-tier
// failure is logged and otherwise ignored.
func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.front.Delete(ctx, key); err != nil {
		s.log.WarnContext(ctx, "failed to delete idempotency cache entry", slog.String("key", key), slog.Any("error", err))
	}
	return s.authoritative.Delete(ctx, key)
}

// Cleanup delegates to the authoritative store only; the front tier is
// expected to expire entries on its own (e.g. via TTL).
func (s *Storage) Cleanup(ctx context.Context, max int) (int, error) {
	return s.authoritative.Cleanup(ctx, max)
}
