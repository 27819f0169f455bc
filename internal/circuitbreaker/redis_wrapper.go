package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisBreakerName = "redis"

// RedisWrapper guards the embedding cache client. redis.Nil is a cache miss,
// not a failure.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper wraps client; service labels the breaker metrics.
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if service == "" {
		service = "embedding-cache"
	}
	cb := NewCircuitBreaker(redisBreakerName, GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(redisBreakerName, service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, cmd redis.Cmder, call func() redis.Cmder) error {
	var res redis.Cmder
	err := rw.cb.Execute(ctx, func() error {
		res = call()
		if errors.Is(res.Err(), redis.Nil) {
			return nil
		}
		return res.Err()
	})
	GlobalMetricsCollector.RecordRequest(redisBreakerName, rw.service, rw.cb.State(), err == nil)
	if res == nil {
		cmd.SetErr(err)
		return err
	}
	return nil
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	out := redis.NewStatusCmd(ctx)
	_ = rw.run(ctx, out, func() redis.Cmder {
		out = rw.client.Ping(ctx)
		return out
	})
	return out
}

// Get reads a key; a missing key yields redis.Nil.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	out := redis.NewStringCmd(ctx)
	_ = rw.run(ctx, out, func() redis.Cmder {
		out = rw.client.Get(ctx, key)
		return out
	})
	return out
}

// Set writes a key with a TTL.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	out := redis.NewStatusCmd(ctx)
	_ = rw.run(ctx, out, func() redis.Cmder {
		out = rw.client.Set(ctx, key, value, expiration)
		return out
	})
	return out
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	out := redis.NewIntCmd(ctx)
	_ = rw.run(ctx, out, func() redis.Cmder {
		out = rw.client.Del(ctx, keys...)
		return out
	})
	return out
}

// Keys lists keys matching pattern.
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	out := redis.NewStringSliceCmd(ctx)
	_ = rw.run(ctx, out, func() redis.Cmder {
		out = rw.client.Keys(ctx, pattern)
		return out
	})
	return out
}

func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// GetClient returns the raw client.
func (rw *RedisWrapper) GetClient() *redis.Client { return rw.client }

// IsCircuitBreakerOpen reports whether calls are currently rejected.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool { return rw.cb.State() == StateOpen }
