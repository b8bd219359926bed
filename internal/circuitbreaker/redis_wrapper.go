package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps the session manager's Redis client with a circuit
// breaker (§4.4): every call below goes through cb.Execute, which
// itself records request and state-transition metrics, so callers
// never need to touch the metrics layer directly.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := GetRedisConfig().ToConfig()
	cb := NewCircuitBreaker("redis", config, logger)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		// Redis Nil is not considered an error for circuit breaker
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Keys wraps Redis Keys with circuit breaker
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	})

	if err != nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Incr wraps Redis INCR with circuit breaker, used for atomic counters
// such as a session's next chunk_id.
func (rw *RedisWrapper) Incr(ctx context.Context, key string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Incr(ctx, key)
		return result.Err()
	})

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Expire wraps Redis EXPIRE with circuit breaker.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Expire(ctx, key, expiration)
		return result.Err()
	})

	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
