// Package connregistry maps a session ID to its open client connection
// so the aggregator's chunk_done events can be routed back to the
// originating connection. The teacher's websocket handler keeps this
// mapping implicit in one goroutine's closure; here it is made explicit
// so Ingress's read loop and its chunk_done delivery can share it.
package connregistry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn with the per-connection write mutex
// required to serialize sends (invariant I5): the connection is a
// single-writer resource.
type Conn struct {
	WS *websocket.Conn
	mu sync.Mutex
}

// WriteJSON serializes v and writes it, holding the connection's write
// mutex so concurrent chunk_done deliveries never interleave frames.
func (c *Conn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WS.WriteJSON(v)
}

// WriteControl serializes a control frame under the same write mutex.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WS.WriteControl(messageType, data, deadline)
}

// Registry is a concurrent-safe session_id -> *Conn map.
type Registry struct {
	conns sync.Map // sessionID -> *Conn
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register associates sessionID with ws, wrapping it in a *Conn.
func (r *Registry) Register(sessionID string, ws *websocket.Conn) *Conn {
	c := &Conn{WS: ws}
	r.conns.Store(sessionID, c)
	return c
}

// Lookup returns the connection for sessionID, or nil if the session's
// connection is no longer registered (already closed).
func (r *Registry) Lookup(sessionID string) *Conn {
	v, ok := r.conns.Load(sessionID)
	if !ok {
		return nil
	}
	return v.(*Conn)
}

// Remove drops sessionID's connection from the registry.
func (r *Registry) Remove(sessionID string) {
	r.conns.Delete(sessionID)
}

// Count reports the number of currently registered connections.
func (r *Registry) Count() int {
	n := 0
	r.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
