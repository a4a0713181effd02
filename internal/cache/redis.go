package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis adapts a go-redis client to the Cache interface. Failures degrade to
// cache misses; the caller never sees a Redis error.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedis wraps client. prefix namespaces keys so several caches can share
// one Redis database.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	return &Redis{client: client, logger: logger, prefix: prefix}
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Get returns the cached value, treating any Redis error as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("Redis cache read failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	return val, true
}

// Set stores value with ttl; errors are logged and dropped.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.logger.Warn("Redis cache write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Delete removes key; errors are logged and dropped.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.logger.Warn("Redis cache delete failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
