package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamvox/pipeline/internal/analyzer"
	"github.com/streamvox/pipeline/internal/analyzer/fake"
	"github.com/streamvox/pipeline/internal/eventbus"
)

func collectOne(t *testing.T, bus *eventbus.Bus, topic string) chan analyzer.Result {
	t.Helper()
	ch := make(chan analyzer.Result, 8)
	bus.Subscribe(topic, func(ctx context.Context, ev eventbus.Event) {
		if r, ok := ev.Payload.(analyzer.Result); ok {
			ch <- r
		}
	})
	return ch
}

func TestWorkerHappyPath(t *testing.T) {
	bus := eventbus.New(nil, 0)
	results := collectOne(t, bus, "vad_done")

	w := New(&fake.VAD{}, bus, "chunk_in", "vad_done", 4, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   "chunk_in",
		Payload: ChunkIn{SessionID: "s1", ChunkID: 0, Data: make([]byte, 2000), SampleRate: 16000},
	})

	select {
	case r := <-results:
		require.True(t, r.Ok)
		require.True(t, r.VAD.IsSpeech)
		require.Equal(t, "s1:0", r.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for vad_done")
	}
}

func TestWorkerTimeoutProducesResult(t *testing.T) {
	bus := eventbus.New(nil, 0)
	results := collectOne(t, bus, "asr_done")

	w := New(&fake.ASR{Delay: fake.Sleep(200 * time.Millisecond)}, bus, "chunk_in", "asr_done", 4, 20*time.Millisecond, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   "chunk_in",
		Payload: ChunkIn{SessionID: "s1", ChunkID: 0, Data: make([]byte, 2000), SampleRate: 16000},
	})

	select {
	case r := <-results:
		require.False(t, r.Ok)
		require.Equal(t, "timeout", r.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for asr_done")
	}
}

func TestWorkerAnalyzerErrorProducesResult(t *testing.T) {
	bus := eventbus.New(nil, 0)
	results := collectOne(t, bus, "dia_done")

	w := New(&fake.Diarization{ForceErr: errors.New("model crashed")}, bus, "chunk_in", "dia_done", 4, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   "chunk_in",
		Payload: ChunkIn{SessionID: "s1", ChunkID: 0, Data: make([]byte, 2000), SampleRate: 16000},
	})

	select {
	case r := <-results:
		require.False(t, r.Ok)
		require.Equal(t, "model crashed", r.Error)
		require.NotNil(t, r.Diarization.Speakers)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dia_done")
	}
}

func TestWorkerAdmissionDropWhenSaturated(t *testing.T) {
	bus := eventbus.New(nil, 0)
	results := collectOne(t, bus, "vad_done")

	w := New(&fake.VAD{Delay: fake.Sleep(200 * time.Millisecond)}, bus, "chunk_in", "vad_done", 1, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), eventbus.Event{
			Topic:   "chunk_in",
			Payload: ChunkIn{SessionID: "s1", ChunkID: int64(i), Data: make([]byte, 2000), SampleRate: 16000},
		})
	}

	require.Eventually(t, func() bool {
		return w.Status().InFlight >= 1
	}, time.Second, time.Millisecond)

	select {
	case <-results:
		// exactly one of the three chunks was admitted; which one is a race
		// between the bus's fan-out goroutines, so only the count matters.
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for vad_done")
	}

	select {
	case <-results:
		t.Fatal("only one result expected; the other two chunks should have been dropped at admission")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerDropsWhenNotRunning(t *testing.T) {
	bus := eventbus.New(nil, 0)
	results := collectOne(t, bus, "vad_done")

	w := New(&fake.VAD{}, bus, "chunk_in", "vad_done", 4, time.Second, nil)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))

	bus.Publish(context.Background(), eventbus.Event{
		Topic:   "chunk_in",
		Payload: ChunkIn{SessionID: "s1", ChunkID: 0, Data: make([]byte, 2000), SampleRate: 16000},
	})

	select {
	case <-results:
		t.Fatal("stopped worker must not publish a result")
	case <-time.After(100 * time.Millisecond):
	}
}
