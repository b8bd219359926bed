package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newWrapperAgainstMiniredis(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisWrapper(client, zaptest.NewLogger(t)), s
}

func TestRedisWrapperNormalOperations(t *testing.T) {
	wrapper, _ := newWrapperAgainstMiniredis(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx).Err())
	require.NoError(t, wrapper.Set(ctx, "session:key", "session:value", time.Minute).Err())

	got := wrapper.Get(ctx, "session:key")
	require.NoError(t, got.Err())
	require.Equal(t, "session:value", got.Val())

	// A missing key is not treated as a circuit-breaker failure.
	miss := wrapper.Get(ctx, "session:missing")
	require.ErrorIs(t, miss.Err(), redis.Nil)
	require.False(t, wrapper.IsCircuitBreakerOpen())

	keys := wrapper.Keys(ctx, "session:*")
	require.NoError(t, keys.Err())
	require.Equal(t, []string{"session:key"}, keys.Val())

	del := wrapper.Del(ctx, "session:key")
	require.NoError(t, del.Err())
	require.Equal(t, int64(1), del.Val())
}

func TestRedisWrapperIncrAndExpire(t *testing.T) {
	wrapper, s := newWrapperAgainstMiniredis(t)
	ctx := context.Background()

	first := wrapper.Incr(ctx, "session:chunk_id")
	require.NoError(t, first.Err())
	require.Equal(t, int64(1), first.Val())

	second := wrapper.Incr(ctx, "session:chunk_id")
	require.NoError(t, second.Err())
	require.Equal(t, int64(2), second.Val())

	expire := wrapper.Expire(ctx, "session:chunk_id", time.Minute)
	require.NoError(t, expire.Err())
	require.True(t, expire.Val())
	require.True(t, s.TTL("session:chunk_id") > 0)
}

func TestRedisWrapperTripsOnRepeatedFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, wrapper.Ping(ctx).Err())
	}
	require.True(t, wrapper.IsCircuitBreakerOpen())

	result := wrapper.Incr(ctx, "any:key")
	require.ErrorIs(t, result.Err(), ErrCircuitBreakerOpen)
}
