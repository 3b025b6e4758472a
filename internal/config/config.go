package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the API service.
type Config struct {
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Telemetry   TelemetryConfig
	Service     ServiceConfig
	Idempotency IdempotencyConfig
}

type HTTPConfig struct {
	Port          int
	MetricsPath   string
	ShutdownGrace int
}

type DatabaseConfig struct {
	URL            string
	AutoMigrate    bool
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type TelemetryConfig struct {
	LogLevel      string
	OTelEndpoint  string
	EnableTracing bool
	EnableMetrics bool
	SampleRate    float64
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// StorageBackend selects which Storage implementation the interceptor uses.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StorageRedis    StorageBackend = "redis"
	StoragePostgres StorageBackend = "postgres"
)

// LockBackend selects which Lock implementation the interceptor uses.
type LockBackend string

const (
	LockRedis LockBackend = "redis"
	LockFile  LockBackend = "file"
)

// IdempotencyConfig bundles every knob spec.md's External Interfaces table
// names for a single interceptor instance.
type IdempotencyConfig struct {
	Mode               string
	HeaderName         string
	TTL                time.Duration
	LockTTL            time.Duration
	MaxLockAttempts    int
	LockRetryDelay     time.Duration
	UseFastCache       bool
	FastCacheTTL       time.Duration
	OverSellProtection bool
	StorageReadCache   bool
	StorageBackend     StorageBackend
	LockBackend        LockBackend
	FileLockDir        string
	FileLockMaxWait    time.Duration
	FileLockPoll       time.Duration
	FileLockMode       string
	MaintenanceEvery   time.Duration
	MaintenanceBatch   int
}

const (
	defaultHTTPPort       = 8080
	defaultMetricsPath    = "/metrics"
	defaultShutdownGrace  = 15
	defaultMigrationsPath = "migrations"
	defaultAutoMigrate    = true
	defaultServiceName    = "idemguard-api"
	defaultServiceVersion = "0.1.0"
	defaultEnvironment    = "development"
	defaultLogLevel       = "info"
	defaultOTelSampleRate = 1.0

	defaultIdemMode            = "strict"
	defaultIdemHeaderName      = "X-Idempotency-Key"
	defaultIdemTTL             = 24 * time.Hour
	defaultIdemLockTTL         = 10 * time.Second
	defaultIdemMaxLockAttempts = 5
	defaultIdemLockRetryDelay  = 100 * time.Millisecond
	defaultIdemFastCacheTTL    = 3 * time.Second
	defaultIdemFileLockDir     = "/tmp/idemguard-locks"
	defaultIdemFileLockWait    = 10 * time.Second
	defaultIdemFileLockPoll    = time.Millisecond
	defaultIdemFileLockMode    = "flock"
	defaultMaintenanceEvery    = time.Hour
	defaultMaintenanceBatch    = 1000
)

// Load reads configuration from environment variables, applying defaults when needed.
func Load() (*Config, error) {
	httpCfg, err := loadHTTPConfig()
	if err != nil {
		return nil, fmt.Errorf("loading HTTP config: %w", err)
	}

	dbCfg := loadDatabaseConfig()
	redisCfg := loadRedisConfig()
	telCfg, err := loadTelemetryConfig()
	if err != nil {
		return nil, fmt.Errorf("loading telemetry config: %w", err)
	}

	serviceCfg := loadServiceConfig()

	idemCfg, err := loadIdempotencyConfig()
	if err != nil {
		return nil, fmt.Errorf("loading idempotency config: %w", err)
	}

	return &Config{
		HTTP:        httpCfg,
		Database:    dbCfg,
		Redis:       redisCfg,
		Telemetry:   telCfg,
		Service:     serviceCfg,
		Idempotency: idemCfg,
	}, nil
}

func loadHTTPConfig() (HTTPConfig, error) {
	port := defaultHTTPPort
	if value, ok := os.LookupEnv("API_HTTP_PORT"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return HTTPConfig{}, fmt.Errorf("invalid API_HTTP_PORT: %w", err)
		}
		port = parsed
	}

	shutdownGrace := defaultShutdownGrace
	if value, ok := os.LookupEnv("API_SHUTDOWN_GRACE_SECONDS"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return HTTPConfig{}, fmt.Errorf("invalid API_SHUTDOWN_GRACE_SECONDS: %w", err)
		}
		shutdownGrace = parsed
	}

	metricsPath := getEnvOrDefault("API_METRICS_PATH", defaultMetricsPath)

	return HTTPConfig{
		Port:          port,
		MetricsPath:   metricsPath,
		ShutdownGrace: shutdownGrace,
	}, nil
}

func loadDatabaseConfig() DatabaseConfig {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = buildDatabaseURL()
	}

	autoMigrate := defaultAutoMigrate
	if value, ok := os.LookupEnv("AUTO_MIGRATE"); ok {
		autoMigrate = value == "true"
	}

	migrationsPath := getEnvOrDefault("MIGRATIONS_PATH", defaultMigrationsPath)

	return DatabaseConfig{
		URL:            databaseURL,
		AutoMigrate:    autoMigrate,
		MigrationsPath: migrationsPath,
	}
}

func loadRedisConfig() RedisConfig {
	db := 0
	if value, ok := os.LookupEnv("REDIS_DB"); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			db = parsed
		}
	}

	return RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	logLevel := getEnvOrDefault("LOG_LEVEL", defaultLogLevel)
	otelEndpoint := getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	enableTracing := getBoolEnv("OTEL_ENABLE_TRACING", true)
	enableMetrics := getBoolEnv("OTEL_ENABLE_METRICS", true)

	sampleRate := defaultOTelSampleRate
	if value, ok := os.LookupEnv("OTEL_SAMPLE_RATE"); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return TelemetryConfig{}, fmt.Errorf("invalid OTEL_SAMPLE_RATE: %w", err)
		}
		sampleRate = parsed
	}

	return TelemetryConfig{
		LogLevel:      logLevel,
		OTelEndpoint:  otelEndpoint,
		EnableTracing: enableTracing,
		EnableMetrics: enableMetrics,
		SampleRate:    sampleRate,
	}, nil
}

func loadServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:        getEnvOrDefault("API_SERVICE_NAME", defaultServiceName),
		Version:     getEnvOrDefault("SERVICE_VERSION", defaultServiceVersion),
		Environment: getEnvOrDefault("ENVIRONMENT", defaultEnvironment),
	}
}

func loadIdempotencyConfig() (IdempotencyConfig, error) {
	ttl, err := getDurationEnv("IDEMPOTENCY_TTL", defaultIdemTTL)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	lockTTL, err := getDurationEnv("IDEMPOTENCY_LOCK_TTL", defaultIdemLockTTL)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	lockRetryDelay, err := getDurationEnv("IDEMPOTENCY_LOCK_RETRY_DELAY", defaultIdemLockRetryDelay)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	fastCacheTTL, err := getDurationEnv("IDEMPOTENCY_FAST_CACHE_TTL", defaultIdemFastCacheTTL)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	fileLockWait, err := getDurationEnv("IDEMPOTENCY_FILE_LOCK_MAX_WAIT", defaultIdemFileLockWait)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	fileLockPoll, err := getDurationEnv("IDEMPOTENCY_FILE_LOCK_POLL_INTERVAL", defaultIdemFileLockPoll)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	maintenanceEvery, err := getDurationEnv("IDEMPOTENCY_MAINTENANCE_INTERVAL", defaultMaintenanceEvery)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	maxLockAttempts := defaultIdemMaxLockAttempts
	if value, ok := os.LookupEnv("IDEMPOTENCY_MAX_LOCK_ATTEMPTS"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return IdempotencyConfig{}, fmt.Errorf("invalid IDEMPOTENCY_MAX_LOCK_ATTEMPTS: %w", err)
		}
		maxLockAttempts = parsed
	}

	maintenanceBatch := defaultMaintenanceBatch
	if value, ok := os.LookupEnv("IDEMPOTENCY_MAINTENANCE_BATCH"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return IdempotencyConfig{}, fmt.Errorf("invalid IDEMPOTENCY_MAINTENANCE_BATCH: %w", err)
		}
		maintenanceBatch = parsed
	}

	return IdempotencyConfig{
		Mode:               getEnvOrDefault("IDEMPOTENCY_MODE", defaultIdemMode),
		HeaderName:         getEnvOrDefault("IDEMPOTENCY_HEADER_NAME", defaultIdemHeaderName),
		TTL:                ttl,
		LockTTL:            lockTTL,
		MaxLockAttempts:    maxLockAttempts,
		LockRetryDelay:     lockRetryDelay,
		UseFastCache:       getBoolEnv("IDEMPOTENCY_USE_FAST_CACHE", true),
		FastCacheTTL:       fastCacheTTL,
		OverSellProtection: getBoolEnv("IDEMPOTENCY_OVERSELL_PROTECTION", false),
		StorageReadCache:   getBoolEnv("IDEMPOTENCY_STORAGE_READ_CACHE", true),
		StorageBackend:     StorageBackend(getEnvOrDefault("IDEMPOTENCY_STORAGE_BACKEND", string(StorageMemory))),
		LockBackend:        LockBackend(getEnvOrDefault("IDEMPOTENCY_LOCK_BACKEND", string(LockRedis))),
		FileLockDir:        getEnvOrDefault("IDEMPOTENCY_FILE_LOCK_DIR", defaultIdemFileLockDir),
		FileLockMaxWait:    fileLockWait,
		FileLockPoll:       fileLockPoll,
		FileLockMode:       getEnvOrDefault("IDEMPOTENCY_FILE_LOCK_MODE", defaultIdemFileLockMode),
		MaintenanceEvery:   maintenanceEvery,
		MaintenanceBatch:   maintenanceBatch,
	}, nil
}

func buildDatabaseURL() string {
	host := getEnvOrDefault("DB_HOST", "localhost")
	port := getEnvOrDefault("DB_PORT", "5432")
	user := getEnvOrDefault("DB_USER", "postgres")
	password := getEnvOrDefault("DB_PASSWORD", "postgres")
	dbName := getEnvOrDefault("DB_NAME", "idemguard")
	sslMode := getEnvOrDefault("DB_SSLMODE", "disable")

	maxConns := getEnvOrDefault("DB_MAX_CONNS", "25")
	minConns := getEnvOrDefault("DB_MIN_CONNS", "5")
	maxLifetime := getEnvOrDefault("DB_MAX_CONN_LIFETIME", "5m")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%s&pool_min_conns=%s&pool_max_conn_lifetime=%s",
		user, password, host, port, dbName, sslMode, maxConns, minConns, maxLifetime,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		return value == "true"
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
