package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSFrame is one frame received on the control channel, kept both raw and
// decoded so predicates can dig into any field.
type WSFrame struct {
	Type     string
	Raw      json.RawMessage
	Parsed   map[string]any
	Received time.Time
}

// Seq returns the frame's outbound sequence number, zero when absent.
func (f WSFrame) Seq() uint64 {
	if v, ok := f.Parsed["seq"].(float64); ok {
		return uint64(v)
	}
	return 0
}

// TabID returns the frame's tab id, "" when absent.
func (f WSFrame) TabID() string {
	if v, ok := f.Parsed["tabId"].(string); ok {
		return v
	}
	return ""
}

// WSClient drives the broker control channel the way the mobile client does:
// a background goroutine accumulates received frames and tests poll them
// with predicates.
type WSClient struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	frames []WSFrame
}

// WSConnect dials the control channel and starts the read loop. The caller
// owns the client and must Close it.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{conn: conn, cancel: cancel, done: make(chan struct{})}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		frame := WSFrame{
			Raw:      append([]byte(nil), data...),
			Parsed:   map[string]any{},
			Received: time.Now(),
		}
		if err := json.Unmarshal(data, &frame.Parsed); err == nil {
			if t, ok := frame.Parsed["type"].(string); ok {
				frame.Type = t
			}
		}
		c.mu.Lock()
		c.frames = append(c.frames, frame)
		c.mu.Unlock()
	}
}

// Send marshals one frame and writes it to the broker.
func (c *WSClient) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// WaitForFrame polls until some received frame satisfies the predicate,
// frames that arrived before the call included.
func (c *WSClient) WaitForFrame(predicate func(WSFrame) bool, timeout time.Duration) (*WSFrame, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		for i := range c.frames {
			if predicate(c.frames[i]) {
				match := c.frames[i]
				c.mu.Unlock()
				return &match, nil
			}
		}
		received := len(c.frames)
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no matching frame within %v (%d frames received)", timeout, received)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// WaitForFrameType waits for the first frame of the given type.
func (c *WSClient) WaitForFrameType(frameType string, timeout time.Duration) (*WSFrame, error) {
	f, err := c.WaitForFrame(func(f WSFrame) bool { return f.Type == frameType }, timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for %q: %w", frameType, err)
	}
	return f, nil
}

// Frames returns a snapshot of everything received so far, in arrival order.
func (c *WSClient) Frames() []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WSFrame(nil), c.frames...)
}

// FramesByType filters the snapshot by frame type.
func (c *WSClient) FramesByType(frameType string) []WSFrame {
	var out []WSFrame
	for _, f := range c.Frames() {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// Close tears the connection down and waits for the read loop to stop.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.done
}

// Client-side frame vocabulary. Tests build frames as raw maps carrying the
// mobile client's JSON keys rather than reusing the server's models types,
// so a key renamed on only one side fails here.

func startFrame(tabID string, seq uint64, creds map[string]any) map[string]any {
	f := map[string]any{
		"type":    "start",
		"tabId":   tabID,
		"workdir": "/tmp/" + tabID,
	}
	if seq > 0 {
		f["seq"] = seq
	}
	if creds != nil {
		f["claudeConfig"] = creds
	}
	return f
}

func sendFrame(tabID string, seq uint64, content string) map[string]any {
	return map[string]any{
		"type":    "send",
		"tabId":   tabID,
		"seq":     seq,
		"content": content,
	}
}

func ackFrame(tabID string, ackSeq uint64) map[string]any {
	return map[string]any{
		"type":    "response_ack",
		"tabId":   tabID,
		"ack_seq": ackSeq,
	}
}

func permissionResponseFrame(tabID, requestID string, decision map[string]any) map[string]any {
	return map[string]any{
		"type":      "permission_response",
		"tabId":     tabID,
		"requestId": requestID,
		"decision":  decision,
	}
}

func anthropicCreds(apiKey string) map[string]any {
	return map[string]any{
		"provider":   "anthropic",
		"model":      "claude-3-5-sonnet-latest",
		"apiKey":     apiKey,
		"authMethod": "api_key",
	}
}
