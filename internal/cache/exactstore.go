package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExactStore is the key-value side of the cache: exact-key entries keyed by
// hash(project, model, normalized prompt). Set must be idempotent under
// concurrent identical inserts.
type ExactStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisExactStore backs exact-key entries with Redis.
type RedisExactStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisExactStore(rdb *redis.Client) *RedisExactStore {
	return &RedisExactStore{rdb: rdb, prefix: "gateway:cache:"}
}

func (s *RedisExactStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisExactStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.prefix+key, value, ttl).Err()
}

// MemoryExactStore is the in-process fallback used when Redis is not
// configured, and in tests. TTLs are honored lazily on read.
type MemoryExactStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryExactStore() *MemoryExactStore {
	return &MemoryExactStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryExactStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryExactStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: value, expiresAt: exp}
	s.mu.Unlock()
	return nil
}
