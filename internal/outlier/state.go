package outlier

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// StateStore remembers, per filter, the newest data timestamp that was
// analyzed. Implementations must be safe for concurrent use.
type StateStore interface {
	LastAnalyzed(ctx context.Context, filterID string) (int64, error)
	SetLastAnalyzed(ctx context.Context, filterID string, ts int64) error
	Close() error
}

// MemoryStateStore keeps scan state in process memory
type MemoryStateStore struct {
	mu   sync.RWMutex
	last map[string]int64
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{last: make(map[string]int64)}
}

// LastAnalyzed returns 0 for filters never analyzed
func (m *MemoryStateStore) LastAnalyzed(ctx context.Context, filterID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[filterID], nil
}

func (m *MemoryStateStore) SetLastAnalyzed(ctx context.Context, filterID string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[filterID] = ts
	return nil
}

func (m *MemoryStateStore) Close() error { return nil }

const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

// RedisStateStore keeps scan state in redis so restarts and replicas do
// not re-emit outliers that were already reported.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore connects to addr and verifies the connection. Keys
// expire after ttl; ttl <= 0 keeps them forever.
func NewRedisStateStore(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisReadTimeout,
		WriteTimeout: redisWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	if ttl < 0 {
		ttl = 0
	}
	return &RedisStateStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisStateStore) key(filterID string) string {
	return r.prefix + filterID
}

func (r *RedisStateStore) LastAnalyzed(ctx context.Context, filterID string) (int64, error) {
	val, err := r.client.Get(ctx, r.key(filterID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read scan state of %s: %w", filterID, err)
	}

	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt scan state of %s: %w", filterID, err)
	}
	return ts, nil
}

func (r *RedisStateStore) SetLastAnalyzed(ctx context.Context, filterID string, ts int64) error {
	if err := r.client.Set(ctx, r.key(filterID), ts, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write scan state of %s: %w", filterID, err)
	}
	return nil
}

func (r *RedisStateStore) Close() error {
	return r.client.Close()
}
