// Package idempotency remembers responses to requests carrying an
// Idempotency-Key so retries replay the first outcome.
package idempotency

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"payment-core/internal/errors"
)

const (
	keyPrefix     = "payments:idem:"
	pendingMarker = "pending"
)

// Record is a stored response.
type Record struct {
	Fingerprint string `json:"fingerprint"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store reserves keys and keeps completed responses.
//
// Begin returns (nil, nil) when the caller now owns the key, the stored record
// when the request already completed, or errors.ErrDuplicateRequest while
// another request with the key is still in flight.
type Store interface {
	Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key, pendingMarker, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as in flight and let the client retry.
		return nil, errors.ErrDuplicateRequest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Abort(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

func decode(raw []byte) (*Record, error) {
	if string(raw) == pendingMarker {
		return nil, errors.ErrDuplicateRequest
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	return &rec, nil
}

// memorySweepInterval bounds how often Begin scans for expired entries.
const memorySweepInterval = time.Minute

// MemoryStore is the in-process Store used when no Redis is configured.
// Expired entries are dropped by Begin, at most once per sweep interval.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (s *MemoryStore) Begin(_ context.Context, key string, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return decode(e.raw)
	}
	s.entries[key] = memoryEntry{raw: []byte(pendingMarker), expires: now.Add(ttl)}
	return nil, nil
}

func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < memorySweepInterval {
		return
	}
	s.lastSweep = now
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{raw: raw, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
