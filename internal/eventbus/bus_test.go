package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeIdempotent(t *testing.T) {
	b := New(nil, 0)
	var calls int32
	h := func(ctx context.Context, ev Event) { atomic.AddInt32(&calls, 1) }

	b.Subscribe("chunk_in", h)
	b.Subscribe("chunk_in", h)
	require.Equal(t, 1, b.SubscriberCount("chunk_in"))

	var wg sync.WaitGroup
	wg.Add(1)
	b.Publish(context.Background(), Event{Topic: "chunk_in"})
	go func() { time.Sleep(20 * time.Millisecond); wg.Done() }()
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New(nil, 0)
	h := func(ctx context.Context, ev Event) {}
	b.Subscribe("t", h)
	b.Unsubscribe("t", h)
	require.Equal(t, 0, b.SubscriberCount("t"))

	// unsubscribing again is a no-op
	b.Unsubscribe("t", h)
	require.Equal(t, 0, b.SubscriberCount("t"))
}

func TestPublishFanOut(t *testing.T) {
	b := New(nil, 0)
	var hits int32
	for i := 0; i < 5; i++ {
		b.Subscribe("topic", func(ctx context.Context, ev Event) {
			atomic.AddInt32(&hits, 1)
		})
	}
	require.Equal(t, 5, b.SubscriberCount("topic"))

	b.Publish(context.Background(), Event{Topic: "topic"})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hits) == 5
	}, time.Second, time.Millisecond)
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(nil, 0)
	var ok int32
	b.Subscribe("topic", func(ctx context.Context, ev Event) {
		panic("boom")
	})
	b.Subscribe("topic", func(ctx context.Context, ev Event) {
		atomic.AddInt32(&ok, 1)
	})

	b.Publish(context.Background(), Event{Topic: "topic"})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ok) == 1
	}, time.Second, time.Millisecond)
}

func TestSnapshotSemantics(t *testing.T) {
	b := New(nil, 0)
	var early, late int32
	b.Subscribe("topic", func(ctx context.Context, ev Event) {
		atomic.AddInt32(&early, 1)
		// subscribe a new handler mid-dispatch; it must not see this publish
		b.Subscribe("topic", func(ctx context.Context, ev Event) {
			atomic.AddInt32(&late, 1)
		})
	})

	b.Publish(context.Background(), Event{Topic: "topic"})
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&early))
	require.Equal(t, int32(0), atomic.LoadInt32(&late))
	require.Equal(t, 2, b.SubscriberCount("topic"))
}

func TestClear(t *testing.T) {
	b := New(nil, 0)
	b.Subscribe("a", func(ctx context.Context, ev Event) {})
	b.Subscribe("b", func(ctx context.Context, ev Event) {})

	b.Clear("a")
	require.Equal(t, 0, b.SubscriberCount("a"))
	require.Equal(t, 1, b.SubscriberCount("b"))

	b.Clear("")
	require.Equal(t, 0, b.SubscriberCount("b"))
}

func TestRingBuffer(t *testing.T) {
	b := New(nil, 2)
	b.Publish(context.Background(), Event{Topic: "a"})
	b.Publish(context.Background(), Event{Topic: "b"})
	b.Publish(context.Background(), Event{Topic: "c"})

	recent := b.Recent()
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].Topic)
	require.Equal(t, "c", recent[1].Topic)
}
