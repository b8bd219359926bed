package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb := NewCircuitBreaker("redis", config, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(ctx, func() error { return errors.New("redis dial failed") }))
	}
	require.Equal(t, StateOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	time.Sleep(150 * time.Millisecond)
	cb.beforeRequest() // trigger the open->half-open transition
	require.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerRejectsExcessHalfOpenRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5 // never close during this test

	cb := NewCircuitBreaker("redis", config, zaptest.NewLogger(t))
	ctx := context.Background()

	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	require.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestCircuitBreakerTracksCounts(t *testing.T) {
	cb := NewCircuitBreaker("redis", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return errors.New("boom") })
	cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	require.Equal(t, uint32(3), counts.Requests)
	require.Equal(t, uint32(2), counts.TotalSuccesses)
	require.Equal(t, uint32(1), counts.TotalFailures)
}

func TestCircuitBreakerRecoversPanicAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("redis", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	require.Panics(t, func() {
		cb.Execute(ctx, func() error { panic("unexpected") })
	})

	counts := cb.Counts()
	require.Equal(t, uint32(1), counts.TotalFailures)
}
