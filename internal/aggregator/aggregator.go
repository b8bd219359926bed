// Package aggregator joins per-chunk analyzer results, keyed by
// (session_id, chunk_id), into a single chunk_done completion event,
// with deadline-based flushing of stragglers.
package aggregator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamvox/pipeline/internal/analyzer"
	"github.com/streamvox/pipeline/internal/eventbus"
	"github.com/streamvox/pipeline/internal/metrics"
)

const shardCount = 32

// Cause records why an entry closed.
type Cause string

const (
	CauseComplete Cause = "complete"
	CauseDeadline Cause = "deadline"
	CausePartial  Cause = "partial"
)

type key struct {
	sessionID string
	chunkID   int64
}

// Entry tracks the partial results for one in-flight chunk.
type Entry struct {
	createdAt time.Time
	deadline  time.Time
	expected  map[analyzer.Kind]struct{}
	received  map[analyzer.Kind]analyzer.Result
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*Entry
}

// CompletionPayload is the chunk_done event payload (§4.3).
type CompletionPayload struct {
	SessionID     string                    `json:"session_id"`
	ChunkID       int64                     `json:"chunk_id"`
	AggregationMs int64                     `json:"aggregation_ms"`
	Completed     []string                  `json:"completed"`
	Missing       []string                  `json:"missing"`
	IsComplete    bool                      `json:"is_complete"`
	IsTimeout     bool                      `json:"is_timeout"`
	Results       map[string]interface{}    `json:"results"`
}

// Aggregator subscribes to the three analyzer result topics and emits
// chunk_done exactly once per observed (session, chunk) pair.
type Aggregator struct {
	bus    *eventbus.Bus
	logger *zap.Logger

	resultTopics []string
	outputTopic  string

	aggTimeout     time.Duration
	cleanupPeriod  time.Duration
	expectedKinds  map[analyzer.Kind]struct{}
	gateExpected   bool // OQ-2(b): if enabled, a non-speech VAD result short-circuits to complete with completed=[vad]

	shards [shardCount]*shard
	subs   []*eventbus.Subscription

	stopCh chan struct{}
	wg     sync.WaitGroup

	openCount int64
	mu        sync.Mutex // guards openCount bookkeeping alongside the gauge
}

// New constructs an Aggregator listening on resultTopics (vad_done,
// asr_done, dia_done) and publishing outputTopic (chunk_done).
func New(bus *eventbus.Bus, resultTopics []string, outputTopic string, aggTimeout, cleanupPeriod time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		bus:           bus,
		logger:        logger,
		resultTopics:  resultTopics,
		outputTopic:   outputTopic,
		aggTimeout:    aggTimeout,
		cleanupPeriod: cleanupPeriod,
		expectedKinds: map[analyzer.Kind]struct{}{
			analyzer.KindVAD:         {},
			analyzer.KindASR:         {},
			analyzer.KindDiarization: {},
		},
		stopCh: make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i] = &shard{entries: make(map[key]*Entry)}
	}
	return a
}

// WithGatedCompletion opts into the §9 OQ-2(b) routing variant: when a
// chunk's VAD result reports no speech, the entry closes immediately as
// complete with completed=[vad] instead of waiting on ASR/Diarization
// that will never arrive under gated routing.
func (a *Aggregator) WithGatedCompletion(enabled bool) *Aggregator {
	a.gateExpected = enabled
	return a
}

// Start subscribes to the result topics and begins the deadline sweeper.
func (a *Aggregator) Start(ctx context.Context) error {
	for _, topic := range a.resultTopics {
		a.subs = append(a.subs, a.bus.Subscribe(topic, a.onResult))
	}
	a.wg.Add(1)
	go a.sweep()
	a.logger.Info("aggregator started", zap.Strings("topics", a.resultTopics))
	return nil
}

// Stop stops accepting new result subscriptions, halts the sweeper, then
// Closes every remaining Open entry with cause=Partial so no admitted
// chunk is silently dropped.
func (a *Aggregator) Stop(ctx context.Context) error {
	for i, topic := range a.resultTopics {
		_ = i
		a.bus.Unsubscribe(topic, a.onResult)
	}
	close(a.stopCh)
	a.wg.Wait()

	for _, s := range a.shards {
		s.mu.Lock()
		keys := make([]key, 0, len(s.entries))
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.Unlock()
		for _, k := range keys {
			a.close(k, CausePartial)
		}
	}
	return nil
}

func (a *Aggregator) shardFor(k key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.sessionID))
	_, _ = h.Write([]byte(fmt.Sprintf(":%d", k.chunkID)))
	return a.shards[h.Sum32()%shardCount]
}

func (a *Aggregator) onResult(ctx context.Context, ev eventbus.Event) {
	result, ok := ev.Payload.(analyzer.Result)
	if !ok {
		return
	}
	k := key{sessionID: result.SessionID, chunkID: result.ChunkID}
	s := a.shardFor(k)

	s.mu.Lock()
	entry, exists := s.entries[k]
	if !exists {
		entry = &Entry{
			createdAt: time.Now(),
			deadline:  time.Now().Add(a.aggTimeout),
			expected:  a.expectedSet(),
			received:  make(map[analyzer.Kind]analyzer.Result),
		}
		s.entries[k] = entry
		a.incOpen()
	}
	entry.received[result.Kind] = result // A3: duplicate kind, last write wins

	if a.gateExpected && result.Kind == analyzer.KindVAD && result.Ok && !result.VAD.IsSpeech {
		entry.expected = map[analyzer.Kind]struct{}{analyzer.KindVAD: {}}
	}

	complete := len(entry.received) >= len(entry.expected)
	if complete {
		for kind := range entry.expected {
			if _, got := entry.received[kind]; !got {
				complete = false
				break
			}
		}
	}
	s.mu.Unlock()

	if complete {
		a.close(k, CauseComplete)
	}
}

func (a *Aggregator) expectedSet() map[analyzer.Kind]struct{} {
	out := make(map[analyzer.Kind]struct{}, len(a.expectedKinds))
	for k := range a.expectedKinds {
		out[k] = struct{}{}
	}
	return out
}

// close atomically reads-and-removes the entry for k and publishes
// chunk_done. A duplicate close is impossible by invariant I4: once
// removed, a second call is a no-op.
func (a *Aggregator) close(k key, cause Cause) {
	s := a.shardFor(k)

	s.mu.Lock()
	entry, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, k)
	s.mu.Unlock()
	a.decOpen()

	completed := make([]string, 0, len(entry.received))
	results := make(map[string]interface{}, len(entry.received))
	for kind, res := range entry.received {
		completed = append(completed, string(kind))
		results[string(kind)] = res.Payload()
	}
	sort.Strings(completed)

	missing := make([]string, 0)
	for kind := range entry.expected {
		if _, got := entry.received[kind]; !got {
			missing = append(missing, string(kind))
		}
	}
	sort.Strings(missing)

	aggMs := time.Since(entry.createdAt).Milliseconds()
	payload := CompletionPayload{
		SessionID:     k.sessionID,
		ChunkID:       k.chunkID,
		AggregationMs: aggMs,
		Completed:     completed,
		Missing:       missing,
		IsComplete:    len(missing) == 0,
		IsTimeout:     cause == CauseDeadline,
		Results:       results,
	}

	metrics.RecordAggregatorClose(string(cause), float64(aggMs))

	a.bus.Publish(context.Background(), eventbus.Event{
		Topic:         a.outputTopic,
		Payload:       payload,
		Source:        "aggregator",
		CorrelationID: fmt.Sprintf("%s:%d", k.sessionID, k.chunkID),
	})
}

func (a *Aggregator) incOpen() {
	a.mu.Lock()
	a.openCount++
	metrics.AggregatorOpenEntries.Set(float64(a.openCount))
	a.mu.Unlock()
}

func (a *Aggregator) decOpen() {
	a.mu.Lock()
	a.openCount--
	metrics.AggregatorOpenEntries.Set(float64(a.openCount))
	a.mu.Unlock()
}

// OpenCount reports the current number of un-Closed entries.
func (a *Aggregator) OpenCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openCount
}

// sweep runs every cleanupPeriod, closing any entry whose deadline has
// passed. It yields cooperatively between shards so a burst of inbound
// results is never blocked for long behind the sweeper.
func (a *Aggregator) sweep() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweepOnce()
		}
	}
}

func (a *Aggregator) sweepOnce() {
	now := time.Now()
	for _, s := range a.shards {
		s.mu.Lock()
		var due []key
		for k, e := range s.entries {
			if now.After(e.deadline) || now.Equal(e.deadline) {
				due = append(due, k)
			}
		}
		s.mu.Unlock()

		for _, k := range due {
			a.close(k, CauseDeadline)
		}
	}
}
