package ingress

// Control message types exchanged over the client wire protocol (§6).
const (
	TypeSessionEstablished  = "session_established"
	TypeChunkAccepted       = "chunk_accepted"
	TypeRejectedBackpressure = "rejected_backpressure"
	TypePong                = "pong"
	TypeSessionInfo         = "session_info"
	TypeError               = "error"
	TypeResult              = "result"
)

// ClientCommand is the parsed shape of a client -> server text frame.
type ClientCommand struct {
	Command string `json:"command"`
}

type sessionEstablishedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type chunkAcceptedMsg struct {
	Type    string `json:"type"`
	ChunkID int64  `json:"chunk_id"`
	Size    int    `json:"size"`
}

type rejectedBackpressureMsg struct {
	Type    string `json:"type"`
	ChunkID int64  `json:"chunk_id"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type sessionInfoMsg struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ChunksIn     int64  `json:"chunks_in"`
	BytesIn      int64  `json:"bytes_in"`
	NextChunkID  int64  `json:"next_chunk_id"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// resultMsg mirrors aggregator.CompletionPayload with the wire "type"
// discriminator prepended (§6's result frame).
type resultMsg struct {
	Type          string                 `json:"type"`
	SessionID     string                 `json:"session_id"`
	ChunkID       int64                  `json:"chunk_id"`
	IsComplete    bool                   `json:"is_complete"`
	IsTimeout     bool                   `json:"is_timeout"`
	Completed     []string               `json:"completed"`
	Missing       []string               `json:"missing"`
	AggregationMs int64                  `json:"aggregation_ms"`
	Results       map[string]interface{} `json:"results"`
}
