// Command idemctl exposes operational entry points for the idempotency
// subsystem outside the request path: forcing a cleanup sweep, minting a
// test key, verifying a storage backend is reachable, and reporting the
// active configuration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nordkit/idemguard/internal/config"
	"github.com/nordkit/idemguard/internal/database"
	"github.com/nordkit/idemguard/internal/idempotency"
	"github.com/nordkit/idemguard/internal/idempotency/key"
	"github.com/nordkit/idemguard/internal/idempotency/storage"
	"github.com/nordkit/idemguard/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := telemetry.NewLogger(slog.LevelInfo)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: idemctl <cleanup [batch]|generate-key|test-storage|stats>")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "generate-key":
		return runGenerateKey()
	case "cleanup":
		return runCleanup(cfg, rest, logger)
	case "test-storage":
		return runTestStorage(cfg, logger)
	case "stats":
		return runStats(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return 1
	}
}

func runGenerateKey() int {
	fmt.Println(key.Generate())
	return 0
}

func runCleanup(cfg *config.Config, args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	batch := cfg.Idempotency.MaintenanceBatch
	if fs.NArg() > 0 {
		parsed, err := parsePositiveInt(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid batch size %q: %v\n", fs.Arg(0), err)
			return 1
		}
		batch = parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, cleanup, err := openStorage(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage: %v\n", err)
		return 1
	}
	defer cleanup()

	n, err := store.Cleanup(ctx, batch)
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		return 1
	}

	fmt.Printf("removed %d expired records\n", n)
	return 0
}

func runTestStorage(cfg *config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, cleanup, err := openStorage(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage: %v\n", err)
		return 1
	}
	defer cleanup()

	probeKey := "idemctl-probe-" + key.Generate()
	rec := storage.Record{
		Key:        probeKey,
		StatusCode: 200,
		Body:       []byte(`{"probe":true}`),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}

	if err := store.Put(ctx, rec); err != nil {
		logger.Error("test-storage Put failed", "error", err)
		return 1
	}
	if _, err := store.Get(ctx, probeKey); err != nil {
		logger.Error("test-storage Get failed", "error", err)
		return 1
	}
	if removed, err := store.Delete(ctx, probeKey); err != nil {
		logger.Error("test-storage Delete failed", "error", err)
		return 1
	} else if !removed {
		logger.Error("test-storage Delete reported no record removed")
		return 1
	}

	fmt.Printf("storage backend %q is reachable and behaves correctly\n", cfg.Idempotency.StorageBackend)
	return 0
}

func runStats(cfg *config.Config) int {
	snapshot := map[string]any{
		"mode":                cfg.Idempotency.Mode,
		"storage_backend":     cfg.Idempotency.StorageBackend,
		"lock_backend":        cfg.Idempotency.LockBackend,
		"ttl":                 cfg.Idempotency.TTL.String(),
		"lock_ttl":            cfg.Idempotency.LockTTL.String(),
		"max_lock_attempts":   cfg.Idempotency.MaxLockAttempts,
		"use_fast_cache":      cfg.Idempotency.UseFastCache,
		"storage_read_cache":  cfg.Idempotency.StorageReadCache,
		"oversell_protection": cfg.Idempotency.OverSellProtection,
		"maintenance_every":   cfg.Idempotency.MaintenanceEvery.String(),
		"maintenance_batch":   cfg.Idempotency.MaintenanceBatch,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode stats: %v\n", err)
		return 1
	}
	return 0
}

// openStorage constructs the configured storage backend and returns a
// cleanup func that releases whatever connections it opened.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, func(), error) {
	var pool *pgxpool.Pool
	var redisClient *goredis.Client
	release := func() {
		if pool != nil {
			pool.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}

	switch cfg.Idempotency.StorageBackend {
	case config.StoragePostgres:
		p, err := database.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		pool = p
	case config.StorageRedis:
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	store, err := idempotency.BuildStorage(cfg.Idempotency, pool, redisClient, nil, logger)
	if err != nil {
		release()
		return nil, nil, err
	}

	return store, release, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}
