// Package redis provides a Redis-backed Storage implementation, relying
// on Redis key TTLs rather than an explicit cleanup sweep to expire
// records.
package redis

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nordkit/idemguard/internal/idempotency/storage"
)

const keyPrefix = "idempotency:"

// minTTL is substituted for a non-positive TTL so a record is never
// written without an expiry Redis can enforce.
const minTTL = time.Second

// envelope versions. v1 is raw JSON; v2 is gzip-compressed JSON. Both
// are read transparently; Put writes v1 below compressMinBytes and v2
// otherwise.
const (
	envelopeV1 byte = 1
	envelopeV2 byte = 2

	// compressMinBytes is the smallest payload Put bothers to gzip;
	// below this the envelope byte plus gzip framing overhead would
	// cost more than it saves.
	compressMinBytes = 256
)

type payload struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

// putScript implements create-if-absent as a single round trip: it only
// writes when the key is absent, atomically with setting the TTL, so
// there is no window between an existence check and the write where a
// concurrent Put could win the race that SETNX-without-EXPIRE would
// leave open.
var putScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
`)

// Store persists idempotency records as versioned, optionally
// compressed blobs under TTL-bearing keys.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func redisKey(key string) string {
	return keyPrefix + key
}

// encodeEnvelope marshals p to JSON and prefixes it with a one-byte
// version: v1 for the raw JSON, v2 for gzip-compressed JSON once the
// payload is large enough that compression is worth the CPU.
func encodeEnvelope(p payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(raw) < compressMinBytes {
		return append([]byte{envelopeV1}, raw...), nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return append([]byte{envelopeV2}, buf.Bytes()...), nil
}

// decodeEnvelope reverses encodeEnvelope, dispatching on the leading
// version byte. An envelope with fewer than two bytes is malformed.
func decodeEnvelope(raw []byte) (payload, error) {
	var p payload
	if len(raw) < 1 {
		return p, fmt.Errorf("envelope too short")
	}

	version, body := raw[0], raw[1:]
	switch version {
	case envelopeV1:
		if err := json.Unmarshal(body, &p); err != nil {
			return p, err
		}
	case envelopeV2:
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return p, err
		}
		defer gr.Close()
		decompressed, err := io.ReadAll(gr)
		if err != nil {
			return p, err
		}
		if err := json.Unmarshal(decompressed, &p); err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("unknown envelope version %d", version)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, key string) (storage.Record, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("%w: get idempotency key: %v", storage.ErrBackend, err)
	}

	p, err := decodeEnvelope(raw)
	if err != nil {
		return storage.Record{}, fmt.Errorf("%w: decode idempotency record: %v", storage.ErrBackend, err)
	}

	return storage.Record{
		Key:        key,
		StatusCode: p.StatusCode,
		Headers:    p.Headers,
		Body:       p.Body,
		CreatedAt:  p.CreatedAt,
		ExpiresAt:  p.ExpiresAt,
	}, nil
}

// Exists reports whether key currently has a live entry.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check idempotency key existence: %v", storage.ErrBackend, err)
	}
	return n > 0, nil
}

// MultiGet bulk-reads keys via MGET, omitting absent or undecodable
// entries from the result.
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string]storage.Record, error) {
	if len(keys) == 0 {
		return map[string]storage.Record{}, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = redisKey(k)
	}

	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: multi-get idempotency keys: %v", storage.ErrBackend, err)
	}

	out := make(map[string]storage.Record, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}

		p, err := decodeEnvelope([]byte(raw))
		if err != nil {
			continue
		}

		out[keys[i]] = storage.Record{
			Key:        keys[i],
			StatusCode: p.StatusCode,
			Headers:    p.Headers,
			Body:       p.Body,
			CreatedAt:  p.CreatedAt,
			ExpiresAt:  p.ExpiresAt,
		}
	}

	return out, nil
}

// Put writes rec only if no key currently exists, via putScript so the
// existence check and the TTL-bearing write are one atomic step.
func (s *Store) Put(ctx context.Context, rec storage.Record) error {
	p := payload{
		StatusCode: rec.StatusCode,
		Headers:    rec.Headers,
		Body:       rec.Body,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}

	raw, err := encodeEnvelope(p)
	if err != nil {
		return fmt.Errorf("%w: encode idempotency record: %v", storage.ErrBackend, err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = minTTL
	}

	wrote, err := putScript.Run(ctx, s.client, []string{redisKey(rec.Key)}, raw, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: set idempotency key: %v", storage.ErrBackend, err)
	}
	if wrote == 0 {
		return storage.ErrConflict
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: delete idempotency key: %v", storage.ErrBackend, err)
	}
	return n > 0, nil
}

// Cleanup is a no-op: Redis enforces expiry via the TTL set at Put time.
func (s *Store) Cleanup(_ context.Context, _ int) (int, error) {
	return 0, nil
}
