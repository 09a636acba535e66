package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"authserver/internal/db"
)

// RedisClient is the slice of the go-redis API the cache needs; tests supply
// a fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisCache struct {
	client RedisClient
	hits   int64
	misses int64
	errors int64
}

func NewRedisCache(client RedisClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) GetClient(ctx context.Context, clientID string) (*db.Client, error) {
	var client db.Client
	if err := c.getJSON(ctx, "client:"+clientID, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

func (c *RedisCache) SetClient(ctx context.Context, client *db.Client, ttl time.Duration) error {
	return c.setJSON(ctx, "client:"+client.ClientID, client, ttl)
}

func (c *RedisCache) InvalidateClient(ctx context.Context, clientID string) error {
	if err := c.client.Del(ctx, "client:"+clientID).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &Error{Message: "failed to invalidate client", Err: err}
	}
	return nil
}

func (c *RedisCache) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	n, err := c.client.Exists(ctx, "blacklist:"+tokenHash).Result()
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return false, &Error{Message: "blacklist lookup failed", Err: err}
	}
	if n == 0 {
		atomic.AddInt64(&c.misses, 1)
		return false, nil
	}
	atomic.AddInt64(&c.hits, 1)
	return true, nil
}

func (c *RedisCache) MarkBlacklisted(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, "blacklist:"+tokenHash, "1", ttl).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &Error{Message: "failed to mark token blacklisted", Err: err}
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return &Error{Message: "redis ping failed", Err: err}
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Errors: atomic.LoadInt64(&c.errors),
	}
}

func (c *RedisCache) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return ErrCacheMiss
	}
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &Error{Message: "cache read failed", Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &Error{Message: "cache entry corrupt", Err: err}
	}
	atomic.AddInt64(&c.hits, 1)
	return nil
}

func (c *RedisCache) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &Error{Message: "cache encode failed", Err: err}
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &Error{Message: "cache write failed", Err: err}
	}
	return nil
}
