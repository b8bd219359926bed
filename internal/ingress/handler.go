// Package ingress owns the client-facing streaming endpoint: accepting
// connections, framing incoming audio chunks onto the event bus, and
// translating chunk_done completion events back into client messages
// (§4.5). Adapted from the teacher's httpapi websocket handler, whose
// upgrade / reader-pump / ping-ticker shape is kept (writes go through
// connregistry.Conn's mutex rather than a writer pump);
// workflow-event replay is replaced with the binary/text frame handling
// this protocol defines.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/streamvox/pipeline/internal/aggregator"
	"github.com/streamvox/pipeline/internal/connregistry"
	"github.com/streamvox/pipeline/internal/eventbus"
	"github.com/streamvox/pipeline/internal/metrics"
	"github.com/streamvox/pipeline/internal/session"
	"github.com/streamvox/pipeline/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
}

// Config holds Ingress's tunable limits (§6).
type Config struct {
	MaxChunkBytes      int
	MaxInFlight        int // per worker; used to size the backpressure cap
	SampleRateDefault  int
	ChannelsDefault    int
}

// Handler accepts client connections and bridges them to the pipeline.
type Handler struct {
	bus      *eventbus.Bus
	sessions *session.Manager
	conns    *connregistry.Registry
	cfg      Config
	logger   *zap.Logger

	limiters   sync.Map // sessionID -> *rate.Limiter
	outstand   sync.Map // sessionID -> *int64, unresolved chunk count

	resultSub *eventbus.Subscription
}

// New constructs a Handler wired to bus and sessions, routing completion
// events through conns.
func New(bus *eventbus.Bus, sessions *session.Manager, conns *connregistry.Registry, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRateDefault == 0 {
		cfg.SampleRateDefault = 16000
	}
	if cfg.ChannelsDefault == 0 {
		cfg.ChannelsDefault = 1
	}
	return &Handler{
		bus:      bus,
		sessions: sessions,
		conns:    conns,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start subscribes to chunk_done, per the §4.6 start order (Ingress
// subscribes only once the rest of the pipeline is up).
func (h *Handler) Start(ctx context.Context) error {
	h.resultSub = h.bus.Subscribe("chunk_done", h.onChunkDone)
	return nil
}

// Stop unsubscribes from chunk_done. Existing connections are closed by
// their own ServeWS goroutines observing the request context.
func (h *Handler) Stop(ctx context.Context) error {
	if h.resultSub != nil {
		h.bus.Unsubscribe("chunk_done", h.onChunkDone)
	}
	return nil
}

// RegisterRoutes registers the streaming endpoint with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.ServeWS)
}

// ServeWS upgrades the request and drives one client connection through
// its full lifecycle (§4.5).
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := h.sessions.Create(r.Context())
	if err != nil {
		h.logger.Error("ingress: failed to create session", zap.Error(err))
		ws.Close()
		return
	}

	conn := h.conns.Register(sess.ID, ws)
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MaxInFlight*2), h.cfg.MaxInFlight*2)
	h.limiters.Store(sess.ID, limiter)
	var outstanding int64
	h.outstand.Store(sess.ID, &outstanding)

	defer func() {
		h.conns.Remove(sess.ID)
		h.limiters.Delete(sess.ID)
		h.outstand.Delete(sess.ID)
		_ = h.sessions.End(context.Background(), sess.ID)
		ws.Close()
	}()

	if err := conn.WriteJSON(sessionEstablishedMsg{Type: TypeSessionEstablished, SessionID: sess.ID}); err != nil {
		return
	}

	ws.SetReadLimit(int64(h.cfg.MaxChunkBytes) + 4096)
	ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	go h.readPump(r.Context(), ws, conn, sess, done)

	select {
	case <-r.Context().Done():
	case <-done:
	case <-h.pingLoop(ws, ticker, done):
	}
}

// pingLoop sends periodic pings until done fires or a write fails.
func (h *Handler) pingLoop(ws *websocket.Conn, ticker *time.Ticker, done <-chan struct{}) <-chan struct{} {
	failed := make(chan struct{})
	go func() {
		defer close(failed)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	return failed
}

func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *connregistry.Conn, sess *session.Session, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.handleChunk(ctx, conn, sess, data)
		case websocket.TextMessage:
			h.handleCommand(ctx, conn, sess, data)
		}
	}
}

func (h *Handler) handleChunk(ctx context.Context, conn *connregistry.Conn, sess *session.Session, data []byte) {
	if len(data) == 0 || len(data) > h.cfg.MaxChunkBytes {
		metrics.ChunksRejectedSize.Inc()
		_ = conn.WriteJSON(errorMsg{Type: TypeError, Message: fmt.Sprintf("chunk too large or empty: %d bytes", len(data))})
		return
	}

	// Token-bucket rate limit: a frame arriving while the bucket is empty
	// is rejected with rejected_backpressure, not delayed.
	if v, ok := h.limiters.Load(sess.ID); ok {
		limiter := v.(*rate.Limiter)
		if !limiter.Allow() {
			metrics.ChunksRejectedBackpressure.Inc()
			chunkID := sess.NextChunkID
			_ = conn.WriteJSON(rejectedBackpressureMsg{Type: TypeRejectedBackpressure, ChunkID: chunkID})
			return
		}
	}

	// Per-session outstanding-unacked-chunk cap (§4.5): keeps loss
	// observable at the edge instead of silently dropped at the worker.
	outstandingCap := int64(h.cfg.MaxInFlight * 2)
	if v, ok := h.outstand.Load(sess.ID); ok {
		ptr := v.(*int64)
		if outstandingCap > 0 && atomic.LoadInt64(ptr) >= outstandingCap {
			metrics.ChunksRejectedBackpressure.Inc()
			chunkID := sess.NextChunkID
			_ = conn.WriteJSON(rejectedBackpressureMsg{Type: TypeRejectedBackpressure, ChunkID: chunkID})
			return
		}
	}

	chunkID, err := h.sessions.NextChunkID(ctx, sess.ID)
	if err != nil {
		_ = conn.WriteJSON(errorMsg{Type: TypeError, Message: "session ended"})
		return
	}
	h.sessions.RecordChunk(ctx, sess.ID, len(data))

	if v, ok := h.outstand.Load(sess.ID); ok {
		ptr := v.(*int64)
		atomic.AddInt64(ptr, 1)
	}

	h.bus.Publish(ctx, eventbus.Event{
		Topic: "chunk_in",
		Payload: worker.ChunkIn{
			SessionID:  sess.ID,
			ChunkID:    chunkID,
			Data:       data,
			SampleRate: h.cfg.SampleRateDefault,
			Channels:   h.cfg.ChannelsDefault,
		},
		Source:        "ingress",
		CorrelationID: fmt.Sprintf("%s:%d", sess.ID, chunkID),
	})
	metrics.ChunksAccepted.Inc()

	_ = conn.WriteJSON(chunkAcceptedMsg{Type: TypeChunkAccepted, ChunkID: chunkID, Size: len(data)})
}

func (h *Handler) handleCommand(ctx context.Context, conn *connregistry.Conn, sess *session.Session, data []byte) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		_ = conn.WriteJSON(errorMsg{Type: TypeError, Message: "invalid command"})
		return
	}
	switch cmd.Command {
	case "ping":
		_ = conn.WriteJSON(pongMsg{Type: TypePong})
	case "get_session_info":
		current, err := h.sessions.Get(ctx, sess.ID)
		if err != nil {
			_ = conn.WriteJSON(errorMsg{Type: TypeError, Message: "session not found"})
			return
		}
		_ = conn.WriteJSON(sessionInfoMsg{
			Type:        TypeSessionInfo,
			SessionID:   current.ID,
			ChunksIn:    current.ChunksIn,
			BytesIn:     current.BytesIn,
			NextChunkID: current.NextChunkID,
		})
	default:
		_ = conn.WriteJSON(errorMsg{Type: TypeError, Message: "unknown command: " + cmd.Command})
	}
}

func (h *Handler) onChunkDone(ctx context.Context, ev eventbus.Event) {
	payload, ok := ev.Payload.(aggregator.CompletionPayload)
	if !ok {
		return
	}
	conn := h.conns.Lookup(payload.SessionID)
	if conn == nil {
		metrics.ResultsDropped.Inc()
		h.logger.Debug("ingress: dropping chunk_done for closed connection",
			zap.String("session_id", payload.SessionID), zap.Int64("chunk_id", payload.ChunkID))
		return
	}

	if v, ok := h.outstand.Load(payload.SessionID); ok {
		ptr := v.(*int64)
		atomic.AddInt64(ptr, -1)
	}

	msg := resultMsg{
		Type:          TypeResult,
		SessionID:     payload.SessionID,
		ChunkID:       payload.ChunkID,
		IsComplete:    payload.IsComplete,
		IsTimeout:     payload.IsTimeout,
		Completed:     payload.Completed,
		Missing:       payload.Missing,
		AggregationMs: payload.AggregationMs,
		Results:       payload.Results,
	}
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn("ingress: failed to deliver chunk_done; tearing down connection",
			zap.String("session_id", payload.SessionID), zap.Error(err))
		h.conns.Remove(payload.SessionID)
		_ = h.sessions.End(context.Background(), payload.SessionID)
	}
}
