// Package transport owns the client-facing control channel: WebSocket
// connection registry, the N:M connection<->session mapping and the fan-out
// send path.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Connection is one live control-channel socket. A single connection may
// serve many sessions (the client multiplexes all its tabs over one
// channel), and a session may be served by several connections.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	// ClientInfo carries handshake metadata (remote address, user agent).
	ClientInfo map[string]string

	sock   *websocket.Conn
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// write sends one text frame, bounded by the write timeout. Socket writes
// serialize on the connection's own mutex so concurrent fan-outs cannot
// interleave frames.
func (c *Connection) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

// touch refreshes the activity timestamp.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the most recent read or write time.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// close tears the socket down once; repeat calls are no-ops.
func (c *Connection) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.sock.Close(code, reason)
	if c.cancel != nil {
		c.cancel()
	}
}
