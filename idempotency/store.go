// Package idempotency replays the stored response of a POST repeated with the
// same Idempotency-Key header.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is what the store keeps per key. A record that is not Done marks a
// request still in flight.
type Record struct {
	Fingerprint string `json:"fingerprint"`
	Done        bool   `json:"done"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

type Store interface {
	// Reserve claims key for a new request. When the key is already taken it
	// returns the existing record and false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Record, bool, error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

const keyPrefix = "escrowflow:idem:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Record, bool, error) {
	raw, err := json.Marshal(Record{Fingerprint: fingerprint})
	if err != nil {
		return Record{}, false, err
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+key, raw, ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if ok {
		return Record{}, true, nil
	}
	existing, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between the two calls; treat as taken and let the
			// client retry.
			return Record{Fingerprint: fingerprint}, false, nil
		}
		return Record{}, false, fmt.Errorf("idempotency: get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(existing, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode: %w", err)
	}
	return rec, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	rec.Done = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, raw, ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.records[key]; ok && now.Before(e.expires) {
		return e.rec, false, nil
	}
	s.records[key] = memoryEntry{rec: Record{Fingerprint: fingerprint}, expires: now.Add(ttl)}
	return Record{}, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Done = true
	s.records[key] = memoryEntry{rec: rec, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
