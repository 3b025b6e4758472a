package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/nordkit/idemguard/internal/config"
	"github.com/nordkit/idemguard/internal/database"
	"github.com/nordkit/idemguard/internal/demo"
	"github.com/nordkit/idemguard/internal/idempotency"
	"github.com/nordkit/idemguard/internal/idempotency/maintenance"
	"github.com/nordkit/idemguard/internal/telemetry"
)

func main() {
	var logLevel slog.Level
	_ = logLevel.UnmarshalText([]byte(os.Getenv("LOG_LEVEL")))
	logger := telemetry.NewLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTelEndpoint,
		EnableTracing:  cfg.Telemetry.EnableTracing,
		EnableMetrics:  cfg.Telemetry.EnableMetrics,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	var pool *pgxpool.Pool
	if cfg.Idempotency.StorageBackend == config.StoragePostgres {
		pool, err = database.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to create database pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if cfg.Database.AutoMigrate {
			logger.Info("running database migrations", "path", cfg.Database.MigrationsPath)
			if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations completed successfully")
		}
	}

	var redisClient *goredis.Client
	if cfg.Idempotency.StorageBackend == config.StorageRedis ||
		cfg.Idempotency.LockBackend == config.LockRedis ||
		cfg.Idempotency.UseFastCache {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	var dbMetrics *database.Metrics
	if pool != nil && tel.MeterProvider() != nil {
		dbMetrics, err = database.NewMetrics(tel.MeterProvider().Meter(cfg.Service.Name))
		if err != nil {
			logger.Error("failed to build database metrics", "error", err)
			os.Exit(1)
		}
	}

	store, err := idempotency.BuildStorage(cfg.Idempotency, pool, redisClient, dbMetrics, logger)
	if err != nil {
		logger.Error("failed to build idempotency storage", "error", err)
		os.Exit(1)
	}

	locker, err := idempotency.BuildLocker(cfg.Idempotency, redisClient)
	if err != nil {
		logger.Error("failed to build idempotency lock", "error", err)
		os.Exit(1)
	}

	hotCache := idempotency.BuildHotCache(cfg.Idempotency, redisClient, logger)

	guard, err := idempotency.BuildOverSellGuard(cfg.Idempotency, pool, redisClient)
	if err != nil {
		logger.Error("failed to build oversell guard", "error", err)
		os.Exit(1)
	}

	var tracer trace.Tracer
	if tel.TracerProvider() != nil {
		tracer = tel.TracerProvider().Tracer(cfg.Service.Name)
	}

	interceptor, err := idempotency.BuildInterceptor(cfg.Idempotency, store, locker, hotCache, guard, tracer, logger)
	if err != nil {
		logger.Error("failed to build idempotency interceptor", "error", err)
		os.Exit(1)
	}

	maintRunner := maintenance.NewRunner(store, cfg.Idempotency.MaintenanceEvery, cfg.Idempotency.MaintenanceBatch, logger)
	go maintRunner.Run(ctx)

	demoHandler := demo.NewHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := database.CheckHealth(r.Context(), pool); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc(cfg.HTTP.MetricsPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# metrics are not yet implemented\n"))
	})

	demoMux := http.NewServeMux()
	demoHandler.Register(demoMux)
	mux.Handle("/v1/orders", interceptor.Middleware(demoMux))

	handler := withRecovery(withLogging(mux))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownGrace)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("http server stopped")
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", time.Since(start))
	})
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", "error", rec)
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
