package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"numota/internal/config"
	"numota/internal/types"
)

// RateLimiter is a fixed-window per-tenant request limiter backed by
// Redis, shared across API instances.
type RateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	nowFn  func() time.Time
}

func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Unmask(),
		DB:       cfg.DB,
	})
}

func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb, window: time.Minute, nowFn: time.Now}
}

// WithNow overrides the clock, for tests.
func (l *RateLimiter) WithNow(fn func() time.Time) *RateLimiter {
	l.nowFn = fn
	return l
}

// Allow counts one request against the tenant's current one-minute window
// and reports whether it fits under limit. A limit <= 0 means unlimited.
//
// INCR and EXPIRE run in a single pipeline so the window key can never be
// left without a TTL. The count is consumed even for denied requests,
// which keeps a client hammering past its limit pinned until the window
// rolls.
func (l *RateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	window := l.nowFn().UTC().Truncate(l.window).Unix()
	key := fmt.Sprintf("ratelimit:%s:%d", tenantID, window)

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "rate limit store unavailable", err)
	}

	return count.Val() <= int64(limit), nil
}

// Ping verifies the Redis connection at startup.
func (l *RateLimiter) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
