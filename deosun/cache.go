package deosun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 3 * time.Second

// StatsCache is a byte-value cache with a fixed TTL, used in front of
// the StatsStore
type StatsCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// newStatsCache returns a redis-backed cache if RedisAddr is set,
// otherwise an in-process one.
func newStatsCache(ctx context.Context, cfg *CacheConfig) (StatsCache, error) {
	if cfg.RedisAddr == "" {
		return newMemoryCache(cfg.TTL), nil
	}
	rdb := redis.NewClient(
		&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, providerError("redis", "ping", err)
	}
	return newRedisCache(rdb, cfg.KeyPrefix, cfg.TTL), nil
}

// memoryCache is a StatsCache held in process memory
type memoryCache struct {
	c *cache.Cache
}

func newMemoryCache(ttl time.Duration) *memoryCache {
	cleanup := ttl * 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &memoryCache{c: cache.New(ttl, cleanup)}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("unexpected cached type %T for %q", v, key)
	}
	return data, true, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte) error {
	m.c.SetDefault(key, value)
	return nil
}

func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

// redisCache is a StatsCache shared between bot instances through redis
type redisCache struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func newRedisCache(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration) *redisCache {
	return &redisCache{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *redisCache) key(k string) string {
	return r.keyPrefix + k
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, providerError("redis", "get", err)
	}
	return data, true, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value []byte) error {
	return providerError("redis", "set", r.rdb.Set(ctx, r.key(key), value, r.ttl).Err())
}

func (r *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, k := range keys {
		prefixed = append(prefixed, r.key(k))
	}
	return providerError("redis", "del", r.rdb.Del(ctx, prefixed...).Err())
}

func (r *redisCache) Close() error {
	return r.rdb.Close()
}
