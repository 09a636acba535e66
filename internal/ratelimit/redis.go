package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window limiter over a sorted set per key, so all
// nodes of a cluster share one budget.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	windowStart := now.Add(-r.cfg.Window)
	redisKey := "ratelimit:" + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, r.cfg.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit pipeline failed: %w", err)
	}

	// The count predates the entry this request just added.
	count := int(countCmd.Val())
	reset := now.Add(r.cfg.Window)
	if count >= r.cfg.MaxRequests {
		return &Result{
			Allowed:   false,
			Limit:     r.cfg.MaxRequests,
			Remaining: 0,
			ResetTime: reset,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     r.cfg.MaxRequests,
		Remaining: r.cfg.MaxRequests - count - 1,
		ResetTime: reset,
	}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
