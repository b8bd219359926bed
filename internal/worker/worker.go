// Package worker implements the bounded-concurrency framework that
// drives one analyzer.Service off the event bus: subscribe to an input
// topic, admit up to maxInFlight concurrent chunks, enforce a per-chunk
// deadline, and publish exactly one result event per admitted chunk.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/streamvox/pipeline/internal/analyzer"
	"github.com/streamvox/pipeline/internal/eventbus"
	"github.com/streamvox/pipeline/internal/metrics"
)

// ChunkIn is the chunk_in / speech_present event payload.
type ChunkIn struct {
	SessionID  string
	ChunkID    int64
	Data       []byte
	SampleRate int
	Channels   int
}

// Option configures optional Worker behavior.
type Option func(*Worker)

// WithSpeechGate enables the VAD-gated routing variant (§9 Open
// Question, resolved as opt-in, disabled by default): on a successful
// is_speech=true detection, the worker additionally publishes a
// speech_present event carrying the original bytes, so deployments can
// route ASR/Diarization off VAD instead of chunk_in.
func WithSpeechGate(gateTopic string) Option {
	return func(w *Worker) { w.speechGateTopic = gateTopic }
}

// Worker wraps one analyzer.Service, subscribing to inputTopic and
// publishing to outputTopic.
type Worker struct {
	kind        analyzer.Kind
	svc         analyzer.Service
	bus         *eventbus.Bus
	logger      *zap.Logger
	inputTopic  string
	outputTopic string

	maxInFlight  int64
	chunkTimeout time.Duration

	speechGateTopic string

	inFlight int64
	running  int32

	sub *eventbus.Subscription
	wg  sync.WaitGroup

	procMu sync.Mutex // serializes svc.Process calls

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// New constructs a Worker for svc, bounded to maxInFlight concurrent
// chunks with chunkTimeout per analyzer.Process call.
func New(svc analyzer.Service, bus *eventbus.Bus, inputTopic, outputTopic string, maxInFlight int, chunkTimeout time.Duration, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		kind:         svc.Kind(),
		svc:          svc,
		bus:          bus,
		logger:       logger,
		inputTopic:   inputTopic,
		outputTopic:  outputTopic,
		maxInFlight:  int64(maxInFlight),
		chunkTimeout: chunkTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start initializes the analyzer and subscribes to the input topic,
// becoming Running. Grounded on the Lifecycle Controller's start order:
// a worker subscribes only after its analyzer initializes.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.svc.Initialize(ctx); err != nil {
		return fmt.Errorf("worker %s: initialize analyzer: %w", w.kind, err)
	}
	w.stopCtx, w.stopCancel = context.WithCancel(context.Background())
	atomic.StoreInt32(&w.running, 1)
	w.sub = w.bus.Subscribe(w.inputTopic, w.onEvent)
	w.logger.Info("worker started",
		zap.String("kind", string(w.kind)),
		zap.String("input_topic", w.inputTopic),
		zap.Int64("max_in_flight", w.maxInFlight),
	)
	return nil
}

// Stop leaves Running, unsubscribes, waits up to 2×chunkTimeout for
// outstanding tasks, then releases the analyzer (W3). Errors in each
// phase are logged and do not abort the remaining phases.
func (w *Worker) Stop(ctx context.Context) error {
	atomic.StoreInt32(&w.running, 0)
	if w.sub != nil {
		w.bus.Unsubscribe(w.inputTopic, w.onEvent)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * w.chunkTimeout):
		w.logger.Warn("worker stop: timed out waiting for in-flight chunks",
			zap.String("kind", string(w.kind)))
	}
	if w.stopCancel != nil {
		w.stopCancel()
	}

	if err := w.svc.Cleanup(ctx); err != nil {
		w.logger.Error("worker stop: analyzer cleanup failed",
			zap.String("kind", string(w.kind)), zap.Error(err))
		return err
	}
	return nil
}

// Status reports the worker's current admission state.
type Status struct {
	Running      bool
	InFlight     int64
	MaxInFlight  int64
	ChunkTimeout time.Duration
	Kind         analyzer.Kind
}

func (w *Worker) Status() Status {
	return Status{
		Running:      atomic.LoadInt32(&w.running) == 1,
		InFlight:     atomic.LoadInt64(&w.inFlight),
		MaxInFlight:  w.maxInFlight,
		ChunkTimeout: w.chunkTimeout,
		Kind:         w.kind,
	}
}

func (w *Worker) onEvent(ctx context.Context, ev eventbus.Event) {
	if atomic.LoadInt32(&w.running) == 0 {
		metrics.WorkerDroppedNotRunning.WithLabelValues(string(w.kind)).Inc()
		return
	}

	in, ok := ev.Payload.(ChunkIn)
	if !ok {
		return
	}

	for {
		cur := atomic.LoadInt64(&w.inFlight)
		if cur >= w.maxInFlight {
			metrics.WorkerDroppedSaturated.WithLabelValues(string(w.kind)).Inc()
			w.logger.Warn("worker admission drop: saturated",
				zap.String("kind", string(w.kind)),
				zap.String("session_id", in.SessionID),
				zap.Int64("chunk_id", in.ChunkID),
			)
			return
		}
		if atomic.CompareAndSwapInt64(&w.inFlight, cur, cur+1) {
			break
		}
	}
	metrics.WorkerAdmitted.WithLabelValues(string(w.kind)).Inc()
	metrics.WorkerInFlight.WithLabelValues(string(w.kind)).Set(float64(atomic.LoadInt64(&w.inFlight)))

	w.wg.Add(1)
	go w.process(in)
}

func (w *Worker) process(in ChunkIn) {
	defer w.wg.Done()
	defer func() {
		atomic.AddInt64(&w.inFlight, -1)
		metrics.WorkerInFlight.WithLabelValues(string(w.kind)).Set(float64(atomic.LoadInt64(&w.inFlight)))
	}()

	ctx, cancel := context.WithTimeout(w.stopCtx, w.chunkTimeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan analyzer.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		w.procMu.Lock()
		res, err := w.svc.Process(ctx, in.Data, in.SampleRate)
		w.procMu.Unlock()
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	var result analyzer.Result
	outcome := "ok"
	select {
	case res := <-resultCh:
		result = res
		result.Ok = true
	case err := <-errCh:
		outcome = "error"
		result = safeDefault(w.kind)
		result.Ok = false
		result.Error = err.Error()
	case <-ctx.Done():
		outcome = "timeout"
		result = safeDefault(w.kind)
		result.Ok = false
		result.Error = "timeout"
	}

	elapsed := time.Since(start)
	result.SessionID = in.SessionID
	result.ChunkID = in.ChunkID
	result.Kind = w.kind
	result.ProcessingMs = elapsed.Milliseconds()
	result.CorrelationID = fmt.Sprintf("%s:%d", in.SessionID, in.ChunkID)

	metrics.RecordWorkerOutcome(string(w.kind), outcome, float64(elapsed.Milliseconds()))

	w.bus.Publish(context.Background(), eventbus.Event{
		Topic:         w.outputTopic,
		Payload:       result,
		Source:        "worker:" + string(w.kind),
		CorrelationID: result.CorrelationID,
	})

	if w.speechGateTopic != "" && w.kind == analyzer.KindVAD && result.Ok && result.VAD.IsSpeech {
		w.bus.Publish(context.Background(), eventbus.Event{
			Topic: w.speechGateTopic,
			Payload: ChunkIn{
				SessionID:  in.SessionID,
				ChunkID:    in.ChunkID,
				Data:       in.Data,
				SampleRate: in.SampleRate,
				Channels:   in.Channels,
			},
			Source:        "worker:vad",
			CorrelationID: result.CorrelationID,
		})
	}
}

// safeDefault returns a zero-value-safe Result payload for kind so
// downstream consumers never fail parsing a failure (invariant I2).
func safeDefault(kind analyzer.Kind) analyzer.Result {
	r := analyzer.Result{Kind: kind}
	switch kind {
	case analyzer.KindVAD:
		r.VAD = analyzer.VADPayload{Segments: []analyzer.Segment{}}
	case analyzer.KindASR:
		r.ASR = analyzer.ASRPayload{Segments: []analyzer.ASRSegment{}}
	case analyzer.KindDiarization:
		r.Diarization = analyzer.DiarizationPayload{Speakers: []string{}, Segments: []analyzer.DiarizationSegment{}}
	}
	return r
}
