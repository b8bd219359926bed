package connregistry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- c
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverConn := <-accepted

	return serverConn, clientConn, func() {
		clientConn.Close()
		serverConn.Close()
		srv.Close()
	}
}

func TestRegistryRegisterLookupRemove(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	r := New()
	r.Register("s1", serverConn)
	require.Equal(t, 1, r.Count())

	c := r.Lookup("s1")
	require.NotNil(t, c)

	r.Remove("s1")
	require.Nil(t, r.Lookup("s1"))
	require.Equal(t, 0, r.Count())
}

func TestRegistryLookupMissing(t *testing.T) {
	r := New()
	require.Nil(t, r.Lookup("nope"))
}
