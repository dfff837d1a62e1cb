package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"genie/internal/vecmath"
)

// EmbeddingCache stores embeddings by key. Misses and cache failures look
// the same to callers.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32)
	Name() string
}

// MemoryCache is an in-process cache. It is cleared when it reaches max
// entries.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	max     int
}

func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 10000
	}
	return &MemoryCache{entries: make(map[string][]float32), max: max}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *MemoryCache) Set(_ context.Context, key string, v []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.max {
		clear(m.entries)
	}
	m.entries[key] = v
}

func (m *MemoryCache) Name() string { return "memory" }

// RedisCache keeps embeddings in Redis as little-endian float32 blobs.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, prefix: "genie:embedding:", ttl: ttl, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}
	v, err := vecmath.DecodeFloat32s(b)
	if err != nil {
		r.logger.Warn("corrupt cached embedding", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32) {
	if err := r.rdb.Set(ctx, r.prefix+key, vecmath.EncodeFloat32s(v), r.ttl).Err(); err != nil {
		r.logger.Warn("embedding cache write failed", "error", err)
	}
}

func (r *RedisCache) Name() string { return "redis" }
