// Package ws implements the Backend's WebSocket fan-out: a keyed
// connection registry, the session/user socket handlers, and a notifier
// bridging the event bus onto connected clients.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the wire frame sent to clients.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current UTC time.
func NewEnvelope(eventType, sessionID string, data any) Envelope {
	return Envelope{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Client is one connected socket. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type Client struct {
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{conn: conn, userID: userID}
}

// Send writes one envelope to the client.
func (c *Client) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the socket with a status code.
func (c *Client) Close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// Registry maps channel keys to connected clients. Session channels key
// by session UUID; user channels by "user:<id>".
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[*Client]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[*Client]struct{})}
}

// UserKey builds the registry key for a user channel.
func UserKey(userID string) string {
	return "user:" + userID
}

// Add registers a client under a key.
func (r *Registry) Add(key string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[key]
	if !ok {
		set = make(map[*Client]struct{})
		r.conns[key] = set
	}
	set[c] = struct{}{}
}

// Remove unregisters a client from a key.
func (r *Registry) Remove(key string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.conns[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.conns, key)
		}
	}
}

// Count returns the number of clients on a key.
func (r *Registry) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[key])
}

// Broadcast sends an envelope to every client on a key and returns the
// number of successful sends. The member set is snapshotted under the
// lock; sends run without it. Clients whose send fails are pruned.
func (r *Registry) Broadcast(key string, env Envelope) int {
	r.mu.Lock()
	members := make([]*Client, 0, len(r.conns[key]))
	for c := range r.conns[key] {
		members = append(members, c)
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range members {
		if err := c.Send(env); err != nil {
			r.Remove(key, c)
			_ = c.conn.Close()
			continue
		}
		sent++
	}
	return sent
}
