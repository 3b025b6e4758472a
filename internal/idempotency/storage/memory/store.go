// Package memory provides an in-process Storage backend suitable for
// tests and single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nordkit/idemguard/internal/idempotency/storage"
)

// Store retains idempotency records in a map guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	items map[string]storage.Record
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{items: make(map[string]storage.Record)}
}

// Get returns the record for key, or ErrNotFound if absent or expired.
func (s *Store) Get(_ context.Context, key string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[key]
	if !ok || rec.Expired(time.Now()) {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// Exists reports whether a live record is present for key.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[key]
	return ok && !rec.Expired(time.Now()), nil
}

// MultiGet returns every live record among keys, omitting absent or
// expired ones.
func (s *Store) MultiGet(_ context.Context, keys []string) (map[string]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make(map[string]storage.Record, len(keys))
	for _, k := range keys {
		if rec, ok := s.items[k]; ok && !rec.Expired(now) {
			out[k] = rec
		}
	}
	return out, nil
}

// Put inserts rec if no live record exists for rec.Key, otherwise
// returns ErrConflict.
func (s *Store) Put(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[rec.Key]; ok && !existing.Expired(time.Now()) {
		return storage.ErrConflict
	}
	s.items[rec.Key] = rec
	return nil
}

// Delete removes the record for key, reporting whether a live record
// was actually present.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key]
	if !ok || rec.Expired(time.Now()) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Cleanup removes up to max expired records.
func (s *Store) Cleanup(_ context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, rec := range s.items {
		if removed >= max {
			break
		}
		if rec.Expired(now) {
			delete(s.items, k)
			removed++
		}
	}
	return removed, nil
}
