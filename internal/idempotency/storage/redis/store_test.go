//go:build integration

package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	testredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/nordkit/idemguard/internal/idempotency/storage"
	"github.com/nordkit/idemguard/internal/idempotency/storage/redis"
)

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	opts, err := goredis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("failed to parse redis url: %v", err)
	}

	client := goredis.NewClient(opts)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestStorePutThenGet(t *testing.T) {
	client := setupTestClient(t)
	store := redis.NewStore(client)
	ctx := context.Background()

	rec := storage.Record{
		Key:        "order-1",
		StatusCode: 201,
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
		Body:       []byte(`{"order_id":"order-1"}`),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}

	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.StatusCode != rec.StatusCode {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, rec.StatusCode)
	}
	if string(got.Body) != string(rec.Body) {
		t.Errorf("Body = %s, want %s", got.Body, rec.Body)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	client := setupTestClient(t)
	store := redis.NewStore(client)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorePutConflict(t *testing.T) {
	client := setupTestClient(t)
	store := redis.NewStore(client)
	ctx := context.Background()

	key := "order-conflict"
	first := storage.Record{Key: key, StatusCode: 201, ExpiresAt: time.Now().Add(time.Minute)}
	second := storage.Record{Key: key, StatusCode: 200, ExpiresAt: time.Now().Add(time.Minute)}

	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := store.Put(ctx, second); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second Put err = %v, want ErrConflict", err)
	}
}

func TestStoreExistsAndMultiGet(t *testing.T) {
	client := setupTestClient(t)
	store := redis.NewStore(client)
	ctx := context.Background()

	rec := storage.Record{Key: "multi-a", StatusCode: 200, ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(ctx, "multi-a")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}

	got, err := store.MultiGet(ctx, []string{"multi-a", "multi-missing"})
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("MultiGet returned %d entries, want 1", len(got))
	}
}

func TestStoreExpiresViaTTL(t *testing.T) {
	client := setupTestClient(t)
	store := redis.NewStore(client)
	ctx := context.Background()

	rec := storage.Record{Key: "order-expiring", StatusCode: 201, ExpiresAt: time.Now().Add(time.Second)}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(2 * time.Second)

	_, err := store.Get(ctx, rec.Key)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected record to expire via TTL, got err = %v", err)
	}
}
