package cache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nordkit/idemguard/internal/idempotency/storage"
	"github.com/nordkit/idemguard/internal/idempotency/storage/cache"
	"github.com/nordkit/idemguard/internal/idempotency/storage/memory"
)

// corruptFront always reports a decoding failure on Get, simulating a
// cache entry that exists but cannot be deserialized.
type corruptFront struct {
	storage.Storage
	getCalls int
}

func (c *corruptFront) Get(_ context.Context, _ string) (storage.Record, error) {
	c.getCalls++
	return storage.Record{}, fmt.Errorf("%w: corrupted entry", storage.ErrBackend)
}

func TestGetFallsBackOnCleanMiss(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := memory.NewStore()
	c := cache.New(authoritative, front, nil)

	rec := storage.Record{Key: "k", StatusCode: 200, ExpiresAt: time.Now().Add(time.Hour)}
	if err := authoritative.Put(ctx, rec); err != nil {
		t.Fatalf("seed authoritative: %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.StatusCode != rec.StatusCode {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, rec.StatusCode)
	}

	// front tier should now be populated
	if _, err := front.Get(ctx, "k"); err != nil {
		t.Errorf("expected front tier to be populated after fallback, got %v", err)
	}
}

func TestGetFallsBackOnCorruptedFrontEntry(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := &corruptFront{Storage: memory.NewStore()}
	c := cache.New(authoritative, front, nil)

	rec := storage.Record{Key: "k", StatusCode: 201, ExpiresAt: time.Now().Add(time.Hour)}
	if err := authoritative.Put(ctx, rec); err != nil {
		t.Fatalf("seed authoritative: %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("expected fallback to succeed despite corrupted cache entry, got %v", err)
	}
	if got.StatusCode != rec.StatusCode {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, rec.StatusCode)
	}
	if front.getCalls == 0 {
		t.Error("expected front tier Get to have been attempted")
	}
}

func TestGetPropagatesAuthoritativeMiss(t *testing.T) {
	ctx := context.Background()
	c := cache.New(memory.NewStore(), memory.NewStore(), nil)

	_, err := c.Get(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutPopulatesFrontTier(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := memory.NewStore()
	c := cache.New(authoritative, front, nil)

	rec := storage.Record{Key: "k", StatusCode: 200, ExpiresAt: time.Now().Add(time.Hour)}
	if err := c.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := front.Get(ctx, "k"); err != nil {
		t.Errorf("expected front tier populated after Put, got %v", err)
	}
	if _, err := authoritative.Get(ctx, "k"); err != nil {
		t.Errorf("expected authoritative store populated after Put, got %v", err)
	}
}

func TestPutFailureOnAuthoritativeIsNotMaskedByCache(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := memory.NewStore()
	c := cache.New(authoritative, front, nil)

	rec := storage.Record{Key: "k", ExpiresAt: time.Now().Add(time.Hour)}
	if err := c.Put(ctx, rec); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := c.Put(ctx, rec); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second Put err = %v, want ErrConflict", err)
	}
}

func TestExistsFallsBackToAuthoritative(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := memory.NewStore()
	c := cache.New(authoritative, front, nil)

	rec := storage.Record{Key: "k", ExpiresAt: time.Now().Add(time.Hour)}
	_ = authoritative.Put(ctx, rec)

	ok, err := c.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}
}

func TestMultiGetDelegatesToAuthoritative(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := memory.NewStore()
	c := cache.New(authoritative, front, nil)

	_ = authoritative.Put(ctx, storage.Record{Key: "a", ExpiresAt: time.Now().Add(time.Hour)})

	got, err := c.MultiGet(ctx, []string{"a", "missing"})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("MultiGet returned %d entries, want 1", len(got))
	}
}

func TestDeleteRemovesFromBothTiers(t *testing.T) {
	ctx := context.Background()
	authoritative := memory.NewStore()
	front := memory.NewStore()
	c := cache.New(authoritative, front, nil)

	rec := storage.Record{Key: "k", ExpiresAt: time.Now().Add(time.Hour)}
	_ = c.Put(ctx, rec)

	if removed, err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	} else if !removed {
		t.Error("Delete reported no record removed, want true")
	}
	if _, err := authoritative.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected authoritative miss after delete, got %v", err)
	}
	if _, err := front.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected front miss after delete, got %v", err)
	}
}
