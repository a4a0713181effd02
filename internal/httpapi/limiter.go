package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/ratelimit"
)

// Decision is one admission verdict with the header material alongside.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter admits or rejects one request for a caller key.
type Limiter interface {
	Take(ctx context.Context, key string) Decision
}

// MemoryLimiter keys a process-local sliding window by caller. Suitable for
// single-instance deployments; multi-instance setups use the Redis limiter
// so all replicas share one budget.
type MemoryLimiter struct {
	window *ratelimit.SlidingWindow
	limit  int
	per    time.Duration
}

func NewMemoryLimiter(limit int, per time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	return &MemoryLimiter{
		window: ratelimit.NewSlidingWindow(),
		limit:  limit,
		per:    per,
	}
}

func (l *MemoryLimiter) Take(ctx context.Context, key string) Decision {
	allowed := l.window.Allow(key, l.limit, l.per)
	return Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: l.window.Remaining(key, l.limit, l.per),
		Reset:     time.Now().Add(l.per),
	}
}

// RedisLimiter counts requests in fixed windows via INCR with a TTL set on
// the first hit. Redis being down fails open: research availability beats
// strict limiting.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: client, limit: limit, window: window, logger: logger}
}

func (l *RedisLimiter) Take(ctx context.Context, key string) Decision {
	windowSecs := int64(l.window.Seconds())
	slot := time.Now().Unix() / windowSecs
	reset := time.Unix((slot+1)*windowSecs, 0)
	rkey := fmt.Sprintf("ratelimit:%s:%d", key, slot)

	count, err := l.client.Incr(ctx, rkey).Result()
	if err != nil {
		l.logger.Warn("Rate limit counter unavailable, admitting request",
			zap.String("key", key),
			zap.Error(err))
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, Reset: reset}
	}
	if count == 1 {
		l.client.Expire(ctx, rkey, l.window+time.Second)
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}
}
