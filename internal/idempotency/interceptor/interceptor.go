// Package interceptor wires the idempotency key, lock, storage, hot-cache
// and oversell-guard primitives together into a single net/http middleware.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nordkit/idemguard/internal/idempotency/hotcache"
	"github.com/nordkit/idemguard/internal/idempotency/key"
	"github.com/nordkit/idemguard/internal/idempotency/lock"
	"github.com/nordkit/idemguard/internal/idempotency/oversell"
	"github.com/nordkit/idemguard/internal/idempotency/redact"
	"github.com/nordkit/idemguard/internal/idempotency/storage"
)

// Mode selects how the interceptor treats requests that carry no
// idempotency key, and whether successful responses are persisted.
type Mode int

const (
	// ModeStrict rejects any request missing the idempotency key with a
	// 400 and stores every successful response.
	ModeStrict Mode = iota
	// ModeOptional passes keyless requests straight through and stores
	// successful responses only for requests that did carry a key.
	ModeOptional
	// ModeLax checks for a prior response when a key is present but
	// never stores new ones; it is a read-only dedupe check.
	ModeLax
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeOptional:
		return "optional"
	case ModeLax:
		return "lax"
	default:
		return "unknown"
	}
}

// ParseMode converts the config string form ("strict", "optional", "lax")
// into a Mode. It is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return ModeStrict, nil
	case "optional":
		return ModeOptional, nil
	case "lax":
		return ModeLax, nil
	default:
		return 0, fmt.Errorf("%w: unknown idempotency mode %q", ErrProgrammer, s)
	}
}

// Sentinel errors classifying every failure the interceptor can produce.
// Callers map these to HTTP status codes with errors.Is; see writeError.
var (
	// ErrInvalidKey is returned when a request's idempotency key is
	// missing (in Strict mode) or fails syntactic validation.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrConcurrent is returned when the lock for a key could not be
	// acquired within the configured retry budget.
	ErrConcurrent = errors.New("concurrent request in flight")
	// ErrBackend wraps failures from storage, lock or hot-cache backends
	// encountered before the handler ran.
	ErrBackend = errors.New("idempotency backend error")
	// ErrProgrammer marks misconfiguration caught at construction time.
	ErrProgrammer = errors.New("idempotency misconfiguration")
)

// Config bundles every tunable the interceptor needs to build a request
// pipeline. Construction-time validation turns a bad Config into an
// ErrProgrammer failure rather than a confusing runtime error.
type Config struct {
	Mode               Mode
	HeaderName         string
	TTL                time.Duration
	LockTTL            time.Duration
	MaxLockAttempts    int
	LockRetryDelay     time.Duration
	UseFastCache       bool
	OverSellProtection bool
}

func (c Config) validate() error {
	if c.HeaderName == "" {
		return fmt.Errorf("%w: HeaderName must not be empty", ErrProgrammer)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%w: TTL must be positive", ErrProgrammer)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("%w: LockTTL must be positive", ErrProgrammer)
	}
	if c.MaxLockAttempts <= 0 {
		return fmt.Errorf("%w: MaxLockAttempts must be positive", ErrProgrammer)
	}
	if c.LockRetryDelay < 0 {
		return fmt.Errorf("%w: LockRetryDelay must not be negative", ErrProgrammer)
	}
	return nil
}

// Interceptor is the constructed idempotency middleware. It holds no
// per-request state; a single instance is safe for concurrent use across
// goroutines, mirroring the storage/lock/hot-cache types it wraps.
type Interceptor struct {
	cfg     Config
	storage storage.Storage
	locker  lock.Locker
	hot     *hotcache.Cache
	guard   *oversell.Guard
	redact  *redact.Filter
	tracer  trace.Tracer
	log     *slog.Logger
}

// New validates cfg and constructs an Interceptor. hot and guard may be
// nil; a nil hot disables the fast-path cache and a nil guard disables
// oversell protection regardless of cfg.OverSellProtection. A nil
// tracer falls back to the global OTel tracer provider (a no-op one
// until telemetry.Initialize registers a real one).
func New(cfg Config, store storage.Storage, locker lock.Locker, hot *hotcache.Cache, guard *oversell.Guard, tracer trace.Tracer, log *slog.Logger) (*Interceptor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: storage must not be nil", ErrProgrammer)
	}
	if locker == nil {
		return nil, fmt.Errorf("%w: locker must not be nil", ErrProgrammer)
	}
	if tracer == nil {
		tracer = otel.Tracer("github.com/nordkit/idemguard/internal/idempotency/interceptor")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Interceptor{
		cfg:     cfg,
		storage: store,
		locker:  locker,
		hot:     hot,
		guard:   guard,
		redact:  redact.New(),
		tracer:  tracer,
		log:     log,
	}, nil
}

// Middleware wraps next with the full EXTRACT_KEY -> VALIDATE -> HOT_CHECK
// -> ACQUIRE_LOCK -> STORAGE_GET -> OVERSELL_GUARD -> HANDLER_EXECUTE ->
// CAPTURE -> STORE -> RELEASE_LOCK pipeline.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := i.tracer.Start(r.Context(), "idempotency.middleware",
			trace.WithAttributes(attribute.String("idempotency.mode", i.cfg.Mode.String())))
		r = r.WithContext(ctx)

		outcome := "pass_through"
		defer func() {
			span.SetAttributes(attribute.String("idempotency.outcome", outcome))
			span.End()
		}()

		body, raw := bufferJSONBody(r)

		idemKey := i.extractKey(r, body)
		if idemKey == "" {
			if i.cfg.Mode == ModeStrict {
				outcome = "rejected_missing_key"
				err := fmt.Errorf("%w: missing %s header", ErrInvalidKey, i.cfg.HeaderName)
				span.SetStatus(codes.Error, err.Error())
				i.writeError(w, err)
				return
			}
			restoreBody(r, raw)
			next.ServeHTTP(w, r)
			return
		}
		span.SetAttributes(attribute.String("idempotency.key", idemKey))

		idemKey = key.Normalize(idemKey)
		if err := key.Validate(idemKey); err != nil {
			outcome = "rejected_invalid_key"
			wrapped := fmt.Errorf("%w: %v", ErrInvalidKey, err)
			span.SetStatus(codes.Error, wrapped.Error())
			i.writeError(w, wrapped)
			return
		}

		if body != nil {
			i.log.DebugContext(ctx, "processing idempotent request",
				slog.String("key", idemKey), slog.Any("body", i.redact.StripForLog(body)))
		}

		// HOT_CHECK: a positive hit still requires a durable read, since
		// the cache only ever proves presence, never absence.
		if i.hot != nil && i.hot.Seen(ctx, idemKey) {
			if rec, err := i.storage.Get(ctx, idemKey); err == nil {
				outcome = "replay_hot"
				i.flush(w, rec, true)
				return
			} else if !errors.Is(err, storage.ErrNotFound) {
				i.log.WarnContext(ctx, "hot cache hit but storage read failed, falling through to lock path",
					slog.String("key", idemKey), slog.Any("error", err))
			}
		}

		token, err := i.acquireLockWithRetry(ctx, idemKey)
		if err != nil {
			outcome = "lock_failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			i.writeError(w, err)
			return
		}
		defer func() {
			releaseCtx := context.WithoutCancel(ctx)
			if relErr := i.locker.Release(releaseCtx, idemKey, token); relErr != nil {
				i.log.WarnContext(ctx, "failed to release idempotency lock",
					slog.String("key", idemKey), slog.Any("error", relErr))
			}
		}()

		if rec, err := i.storage.Get(ctx, idemKey); err == nil {
			if i.hot != nil {
				i.hot.Mark(ctx, idemKey)
			}
			outcome = "replay"
			i.flush(w, rec, true)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			outcome = "storage_error"
			wrapped := fmt.Errorf("%w: %v", ErrBackend, err)
			span.RecordError(wrapped)
			span.SetStatus(codes.Error, wrapped.Error())
			i.writeError(w, wrapped)
			return
		}

		var reserved *reservation
		if i.guard != nil && i.cfg.OverSellProtection {
			if r, ok := extractReservation(body); ok {
				if err := i.guard.Reserve(ctx, r.productID, r.quantity); err != nil {
					outcome = "oversell_rejected"
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					i.writeError(w, err)
					return
				}
				reserved = &r
			}
		}

		restoreBody(r, raw)
		rec := newRecorder()
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		outcome = "fresh"
		span.SetAttributes(attribute.Int("http.response.status_code", status))

		if reserved != nil && (status < 200 || status >= 300) {
			releaseCtx := context.WithoutCancel(ctx)
			if relErr := i.guard.Release(releaseCtx, reserved.productID, reserved.quantity); relErr != nil {
				i.log.ErrorContext(ctx, "failed to release oversell reservation after failed handler",
					slog.String("product_id", reserved.productID), slog.Any("error", relErr))
			}
		}

		captured := storage.Record{
			Key:        idemKey,
			StatusCode: status,
			Headers:    stripHopByHop(rec.Header()),
			Body:       rec.body.Bytes(),
			CreatedAt:  time.Now(),
			ExpiresAt:  time.Now().Add(i.cfg.TTL),
		}

		if preview := jsonPreview(captured.Body); preview != nil {
			i.log.DebugContext(ctx, "captured idempotent response",
				slog.String("key", idemKey), slog.Any("body", i.redact.StripForLog(preview)))
		}

		if status >= 200 && status < 400 && i.cfg.Mode != ModeLax {
			if putErr := i.storage.Put(ctx, captured); putErr != nil && !errors.Is(putErr, storage.ErrConflict) {
				i.log.ErrorContext(ctx, "failed to store idempotency record",
					slog.String("key", idemKey), slog.Any("error", putErr))
			} else if putErr == nil && i.hot != nil {
				i.hot.Mark(ctx, idemKey)
			}
		}

		i.flush(w, captured, false)
	})
}

func (i *Interceptor) extractKey(r *http.Request, body map[string]any) string {
	if k := r.Header.Get(i.cfg.HeaderName); k != "" {
		return k
	}
	if r.Method != http.MethodPost || body == nil {
		return ""
	}
	field := bodyFieldName(i.cfg.HeaderName)
	if v, ok := body[field].(string); ok {
		return v
	}
	return ""
}

// bodyFieldName derives the JSON body fallback field name from the
// header name, e.g. "X-Idempotency-Key" -> "idempotency_key".
func bodyFieldName(headerName string) string {
	name := strings.TrimPrefix(headerName, "X-")
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ToLower(name)
}

func (i *Interceptor) acquireLockWithRetry(ctx context.Context, idemKey string) (lock.Token, error) {
	var lastErr error
	for attempt := 0; attempt < i.cfg.MaxLockAttempts; attempt++ {
		token, err := i.locker.Acquire(ctx, idemKey, i.cfg.LockTTL)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, lock.ErrHeld) {
			return "", fmt.Errorf("%w: %v", ErrBackend, err)
		}
		lastErr = err
		if attempt == i.cfg.MaxLockAttempts-1 {
			break
		}
		select {
		case <-time.After(i.cfg.LockRetryDelay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrBackend, ctx.Err())
		}
	}
	return "", fmt.Errorf("%w: lock held after %d attempts: %v", ErrConcurrent, i.cfg.MaxLockAttempts, lastErr)
}

type reservation struct {
	productID string
	quantity  int
}

func extractReservation(body map[string]any) (reservation, bool) {
	if body == nil {
		return reservation{}, false
	}
	productID, ok := body["product_id"].(string)
	if !ok || productID == "" {
		return reservation{}, false
	}
	quantityF, ok := body["quantity"].(float64)
	if !ok || quantityF <= 0 {
		return reservation{}, false
	}
	return reservation{productID: productID, quantity: int(quantityF)}, true
}

// bufferJSONBody reads and replaces r.Body so it can be inspected here
// and still read in full by the downstream handler. A non-JSON or empty
// body yields a nil map without error; the fallback lookups simply miss.
func bufferJSONBody(r *http.Request) (map[string]any, []byte) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, raw
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, raw
	}
	return body, raw
}

// jsonPreview best-effort decodes raw as a JSON object for logging; a
// non-object or non-JSON body yields nil rather than an error.
func jsonPreview(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func restoreBody(r *http.Request, raw []byte) {
	if raw == nil {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
}

var hopByHopHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

func stripHopByHop(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		if hopByHopHeaders[k] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// flush writes a captured or replayed record to the client. replay
// controls whether the response-restoration headers are added; a
// freshly produced response is written as the handler made it.
func (i *Interceptor) flush(w http.ResponseWriter, rec storage.Record, replay bool) {
	header := w.Header()
	for k, vals := range rec.Headers {
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	if replay {
		header.Set("X-Idempotent-Response", "true")
		header.Set("X-Idempotency-Key", rec.Key)
		header.Set("X-Created-At", strconv.FormatInt(rec.CreatedAt.Unix(), 10))
	}
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

func (i *Interceptor) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid idempotency key"})
	case errors.Is(err, ErrConcurrent):
		retryAfter := int(i.cfg.LockRetryDelay.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "Concurrent request detected",
			"retry_after": retryAfter,
		})
	case errors.Is(err, oversell.ErrProductNotFound):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "Product not found"})
	case errors.Is(err, oversell.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "Insufficient stock"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
