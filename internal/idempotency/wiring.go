// Package idempotency wires the key/storage/lock/hotcache/oversell/
// interceptor primitives together according to a config.IdempotencyConfig,
// so cmd/api and cmd/idemctl share one construction path instead of each
// re-deriving it.
package idempotency

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/nordkit/idemguard/internal/config"
	"github.com/nordkit/idemguard/internal/database"
	"github.com/nordkit/idemguard/internal/idempotency/hotcache"
	"github.com/nordkit/idemguard/internal/idempotency/interceptor"
	"github.com/nordkit/idemguard/internal/idempotency/lock"
	filelock "github.com/nordkit/idemguard/internal/idempotency/lock/file"
	redislock "github.com/nordkit/idemguard/internal/idempotency/lock/redis"
	"github.com/nordkit/idemguard/internal/idempotency/oversell"
	oversellmemory "github.com/nordkit/idemguard/internal/idempotency/oversell/memory"
	oversellpg "github.com/nordkit/idemguard/internal/idempotency/oversell/postgres"
	oversellredis "github.com/nordkit/idemguard/internal/idempotency/oversell/redis"
	"github.com/nordkit/idemguard/internal/idempotency/storage"
	storagecache "github.com/nordkit/idemguard/internal/idempotency/storage/cache"
	storagememory "github.com/nordkit/idemguard/internal/idempotency/storage/memory"
	storagepostgres "github.com/nordkit/idemguard/internal/idempotency/storage/postgres"
	storageredis "github.com/nordkit/idemguard/internal/idempotency/storage/redis"
)

// BuildStorage selects and constructs the authoritative Storage backend
// named by cfg. pool and redisClient may be nil when the corresponding
// backend isn't selected. metrics may be nil, in which case the Postgres
// backend skips query-duration instrumentation. A network-backed store
// (Redis or Postgres) is wrapped with an in-process read-through cache
// when cfg.StorageReadCache is set, since those are the backends a fast
// front tier actually helps; the in-memory backend is its own fast tier
// already.
func BuildStorage(cfg config.IdempotencyConfig, pool *pgxpool.Pool, redisClient *goredis.Client, metrics *database.Metrics, log *slog.Logger) (storage.Storage, error) {
	var store storage.Storage

	switch cfg.StorageBackend {
	case config.StorageMemory:
		return storagememory.NewStore(), nil
	case config.StorageRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("idempotency storage backend %q requires a redis client", cfg.StorageBackend)
		}
		store = storageredis.NewStore(redisClient)
	case config.StoragePostgres:
		if pool == nil {
			return nil, fmt.Errorf("idempotency storage backend %q requires a database pool", cfg.StorageBackend)
		}
		store = storagepostgres.NewStore(pool, metrics)
	default:
		return nil, fmt.Errorf("unknown idempotency storage backend %q", cfg.StorageBackend)
	}

	if cfg.StorageReadCache {
		store = storagecache.New(store, storagememory.NewStore(), log)
	}
	return store, nil
}

// BuildLocker selects and constructs the Locker backend named by cfg.
func BuildLocker(cfg config.IdempotencyConfig, redisClient *goredis.Client) (lock.Locker, error) {
	switch cfg.LockBackend {
	case config.LockRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("idempotency lock backend %q requires a redis client", cfg.LockBackend)
		}
		return redislock.NewLocker(redisClient), nil
	case config.LockFile:
		mode, err := filelock.ParseMode(cfg.FileLockMode)
		if err != nil {
			return nil, fmt.Errorf("idempotency lock backend %q: %w", cfg.LockBackend, err)
		}
		return filelock.NewLocker(cfg.FileLockDir, cfg.FileLockMaxWait, cfg.FileLockPoll, mode)
	default:
		return nil, fmt.Errorf("unknown idempotency lock backend %q", cfg.LockBackend)
	}
}

// BuildHotCache constructs the fast-path presence cache, or returns nil if
// cfg disables it. redisClient is optional even when enabled: a nil
// client runs the cache purely in-process.
func BuildHotCache(cfg config.IdempotencyConfig, redisClient *goredis.Client, log *slog.Logger) *hotcache.Cache {
	if !cfg.UseFastCache {
		return nil
	}
	return hotcache.New(cfg.FastCacheTTL, redisClient, log)
}

// BuildOverSellGuard constructs the stock-reservation guard backed by
// whichever storage backend is configured, or nil if the feature is off.
// The counter shares the authoritative storage medium: a Postgres
// deployment guards stock in Postgres, a Redis deployment in Redis, and
// an in-memory deployment guards stock in an in-process counter rather
// than being forced to stand up Postgres just for this feature.
func BuildOverSellGuard(cfg config.IdempotencyConfig, pool *pgxpool.Pool, redisClient *goredis.Client) (*oversell.Guard, error) {
	if !cfg.OverSellProtection {
		return nil, nil
	}
	switch cfg.StorageBackend {
	case config.StorageRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("oversell protection requires a redis client when storage backend is %q", cfg.StorageBackend)
		}
		return oversell.New(oversellredis.NewCounter(redisClient)), nil
	case config.StoragePostgres:
		if pool == nil {
			return nil, fmt.Errorf("oversell protection requires a database pool")
		}
		return oversell.New(oversellpg.NewCounter(pool)), nil
	case config.StorageMemory:
		return oversell.New(oversellmemory.NewCounter()), nil
	default:
		return nil, fmt.Errorf("unknown idempotency storage backend %q for oversell guard", cfg.StorageBackend)
	}
}

// BuildInterceptor assembles an *interceptor.Interceptor from cfg and the
// already-constructed backend dependencies. tracer may be nil, in which
// case the interceptor falls back to the global OTel tracer provider.
func BuildInterceptor(cfg config.IdempotencyConfig, store storage.Storage, locker lock.Locker, hot *hotcache.Cache, guard *oversell.Guard, tracer trace.Tracer, log *slog.Logger) (*interceptor.Interceptor, error) {
	mode, err := interceptor.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	icCfg := interceptor.Config{
		Mode:               mode,
		HeaderName:         cfg.HeaderName,
		TTL:                cfg.TTL,
		LockTTL:            cfg.LockTTL,
		MaxLockAttempts:    cfg.MaxLockAttempts,
		LockRetryDelay:     cfg.LockRetryDelay,
		UseFastCache:       cfg.UseFastCache,
		OverSellProtection: cfg.OverSellProtection,
	}

	return interceptor.New(icCfg, store, locker, hot, guard, tracer, log)
}
