// Package idempotency stores the responses of completed mutation
// requests so that retries of the same logical request can be replayed
// instead of re-executed.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrConflict is returned by SaveNX when the key is already taken.
	ErrConflict = errors.New("idempotency: key already exists")
)

// Record captures the outcome of an idempotent request. Records are
// written once and never mutated, only read for replay.
type Record struct {
	Key            string    `json:"key"`
	RequestHash    string    `json:"requestHash"`
	ResponseStatus int       `json:"responseStatus"`
	ResponseBody   []byte    `json:"responseBody"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists idempotency records with a bounded retention.
type Store interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// SaveNX stores the record unless the key already exists.
	SaveNX(ctx context.Context, record *Record, ttl time.Duration) error
	// Purge removes records older than the cutoff. Stores with native
	// expiry may treat this as a no-op and report zero removed.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryStore keeps records in process memory. Suitable for tests and
// single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	expiry  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		expiry:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if exp, ok := s.expiry[key]; ok && time.Now().After(exp) {
		delete(s.records, key)
		delete(s.expiry, key)
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) SaveNX(ctx context.Context, record *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.Key]; ok {
		if exp, expOK := s.expiry[record.Key]; !expOK || time.Now().Before(exp) {
			return ErrConflict
		}
	}
	clone := *record
	s.records[record.Key] = &clone
	if ttl > 0 {
		s.expiry[record.Key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, record.Key)
	}
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.CreatedAt.Before(olderThan) {
			delete(s.records, key)
			delete(s.expiry, key)
			removed++
		}
	}
	return removed, nil
}

// RedisStore persists records in Redis with native TTL expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "relay:idempotency:"}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) SaveNX(ctx context.Context, record *Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(record.Key), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Purge is a no-op for Redis since records carry a native TTL.
func (s *RedisStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}
