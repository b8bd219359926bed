package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/streamvox/pipeline/internal/aggregator"
	"github.com/streamvox/pipeline/internal/connregistry"
	"github.com/streamvox/pipeline/internal/eventbus"
	"github.com/streamvox/pipeline/internal/session"
	"github.com/streamvox/pipeline/internal/worker"
)

func newTestHandler(t *testing.T) (*Handler, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil, 0)
	sessions := session.NewLocalManager(5*time.Minute, zaptest.NewLogger(t))
	conns := connregistry.New()
	h := New(bus, sessions, conns, Config{MaxChunkBytes: 65536, MaxInFlight: 4}, zaptest.NewLogger(t))
	require.NoError(t, h.Start(context.Background()))
	return h, bus
}

func TestServeWSHappyPath(t *testing.T) {
	h, bus := newTestHandler(t)

	chunkInCh := make(chan worker.ChunkIn, 1)
	bus.Subscribe("chunk_in", func(ctx context.Context, ev eventbus.Event) {
		if c, ok := ev.Payload.(worker.ChunkIn); ok {
			chunkInCh <- c
		}
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var established map[string]interface{}
	require.NoError(t, conn.ReadJSON(&established))
	require.Equal(t, TypeSessionEstablished, established["type"])
	sessionID := established["session_id"].(string)
	require.NotEmpty(t, sessionID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2000)))

	var accepted map[string]interface{}
	require.NoError(t, conn.ReadJSON(&accepted))
	require.Equal(t, TypeChunkAccepted, accepted["type"])
	require.Equal(t, float64(0), accepted["chunk_id"])
	require.Equal(t, float64(2000), accepted["size"])

	select {
	case c := <-chunkInCh:
		require.Equal(t, sessionID, c.SessionID)
		require.Equal(t, int64(0), c.ChunkID)
		require.Len(t, c.Data, 2000)
	case <-time.After(time.Second):
		t.Fatal("expected chunk_in to be published")
	}

	bus.Publish(context.Background(), eventbus.Event{
		Topic: "chunk_done",
		Payload: aggregator.CompletionPayload{
			SessionID:  sessionID,
			ChunkID:    0,
			IsComplete: true,
			Completed:  []string{"asr", "diarization", "vad"},
			Results:    map[string]interface{}{},
		},
	})

	var result map[string]interface{}
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, TypeResult, result["type"])
	require.Equal(t, true, result["is_complete"])
}

func TestServeWSRejectsOversizedChunk(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.MaxChunkBytes = 1024

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var established map[string]interface{}
	require.NoError(t, conn.ReadJSON(&established))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2000)))

	var errResp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&errResp))
	require.Equal(t, TypeError, errResp["type"])
	require.Contains(t, errResp["message"], "too large")
}

func TestServeWSPingPong(t *testing.T) {
	h, _ := newTestHandler(t)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var established map[string]interface{}
	require.NoError(t, conn.ReadJSON(&established))

	require.NoError(t, conn.WriteJSON(ClientCommand{Command: "ping"}))

	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, TypePong, pong["type"])
}
