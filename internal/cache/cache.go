// Package cache implements the CacheLayer: a TTL key-value abstraction
// with an in-process backend and a Redis-backed shared backend, both
// honoring monotonic TTL semantics — no Get ever returns a value whose
// expiry has passed.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Layer is the CacheLayer contract. A backend error is always treated
// as a miss by callers; Layer implementations never panic on backend
// failure.
type Layer interface {
	Get(ctx context.Context, key string, dest interface{}) (hit bool, err error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryLayer is the in-process backend: a single mutex guards writes
// and reads; entries are evicted the moment a read observes an expired
// entry, satisfying the "never return a stale value" invariant without
// a background sweep.
type MemoryLayer struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{data: make(map[string]memoryEntry)}
}

func (m *MemoryLayer) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryLayer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryLayer) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// RedisLayer delegates TTL enforcement to Redis's own SETEX-equivalent
// atomic write; Redis expires the key itself, so Get never needs to
// check an expiry field locally.
type RedisLayer struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisLayer(client *redis.Client, log *zap.Logger) *RedisLayer {
	return &RedisLayer{client: client, log: log}
}

func (r *RedisLayer) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		r.log.Debug("cache backend error, treating as miss", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisLayer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, payload, ttl).Err()
}

func (r *RedisLayer) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Tier is one of the three lifetime tiers a key can belong to.
type Tier string

const (
	TierStatic       Tier = "static"
	TierSlow         Tier = "slow"
	TierPromptPrefix Tier = "prompt-prefix"
)

// Key builds the (userId, tier) composite key used by ContextAssembler.
func Key(userId string, tier Tier) string {
	return string(tier) + ":" + userId
}

// KeyModel builds a per-model prompt-prefix key.
func KeyModel(userId string, tier Tier, model string) string {
	return string(tier) + ":" + userId + ":" + model
}
