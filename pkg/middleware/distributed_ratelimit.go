package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed-window limiter backed by Redis so all
// replicas share one counter per key
type DistributedRateLimiter struct {
	client *redis.Client
	config RateLimitConfig
	window time.Duration
	prefix string
}

// NewDistributedRateLimiter creates a Redis-backed limiter. The window is
// one minute and admits RequestsPerMinute requests.
func NewDistributedRateLimiter(client *redis.Client, config RateLimitConfig) *DistributedRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = DefaultRateLimit.RequestsPerMinute
	}
	return &DistributedRateLimiter{
		client: client,
		config: config,
		window: time.Minute,
		prefix: "ratelimit:",
	}
}

// Allow increments the counter for key in the current window
func (l *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	windowStart := now.Truncate(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: l.config.RequestsPerMinute}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	remaining := l.config.RequestsPerMinute - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= l.config.RequestsPerMinute,
		Limit:     l.config.RequestsPerMinute,
		Remaining: remaining,
	}
	if !d.Allowed {
		d.RetryAfter = windowStart.Add(l.window).Sub(now)
	}
	return d, nil
}

// Reset clears the current window for key
func (l *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	windowStart := time.Now().Truncate(l.window)
	return l.client.Del(ctx, fmt.Sprintf("%s%s:%d", l.prefix, key, windowStart.Unix())).Err()
}
