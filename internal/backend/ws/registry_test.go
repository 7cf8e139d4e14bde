package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialPair upgrades one server-side connection and returns both ends.
func dialPair(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	select {
	case conn := <-serverConns:
		return NewClient(conn, "user-1"), clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
		return nil, nil
	}
}

func TestBroadcastCountsSuccessfulSends(t *testing.T) {
	registry := NewRegistry()

	server1, remote1 := dialPair(t)
	server2, remote2 := dialPair(t)
	registry.Add("session-1", server1)
	registry.Add("session-1", server2)
	assert.Equal(t, 2, registry.Count("session-1"))

	sent := registry.Broadcast("session-1", NewEnvelope("session.status", "session-1", map[string]any{"status": "running"}))
	assert.Equal(t, 2, sent)

	for _, remote := range []*websocket.Conn{remote1, remote2} {
		require.NoError(t, remote.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := remote.ReadMessage()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		assert.Equal(t, "session.status", env.Type)
		assert.Equal(t, "session-1", env.SessionID)
		_, err = time.Parse(time.RFC3339, env.Timestamp)
		assert.NoError(t, err)
	}
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	registry := NewRegistry()

	server1, _ := dialPair(t)
	server2, remote2 := dialPair(t)
	registry.Add("session-1", server1)
	registry.Add("session-1", server2)

	// Kill the first connection underneath the registry.
	require.NoError(t, server1.conn.Close())

	sent := registry.Broadcast("session-1", NewEnvelope("session.status", "session-1", nil))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, registry.Count("session-1"))

	require.NoError(t, remote2.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := remote2.ReadMessage()
	require.NoError(t, err)
}

func TestRemoveDropsEmptyKeys(t *testing.T) {
	registry := NewRegistry()
	server1, _ := dialPair(t)

	registry.Add("session-1", server1)
	registry.Remove("session-1", server1)
	assert.Equal(t, 0, registry.Count("session-1"))

	// Broadcast to an empty key is a no-op.
	assert.Equal(t, 0, registry.Broadcast("session-1", NewEnvelope("session.status", "session-1", nil)))
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "user:alice", UserKey("alice"))
}
