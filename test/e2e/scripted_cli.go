package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/gantry/pkg/agent"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/session"
)

// TurnScript is one scripted subprocess reaction, played when a user turn
// arrives on stdin. Events are emitted verbatim; Text is shorthand for a
// complete single-message assistant turn ending in a success result.
type TurnScript struct {
	Events []json.RawMessage
	Text   string
}

// ScriptedCLI stands in for one LLM-CLI subprocess. It implements the raw
// stdio transport the production interceptor decorates: Lines plays stdout,
// WriteLine captures stdin. User turns consume the next TurnScript; control
// traffic written by the broker is captured for assertions.
type ScriptedCLI struct {
	sessionID string

	mu     sync.Mutex
	lines  chan json.RawMessage
	writes []json.RawMessage
	turns  []TurnScript
	closed bool
}

func newScriptedCLI(sessionID string, turns []TurnScript) *ScriptedCLI {
	c := &ScriptedCLI{
		sessionID: sessionID,
		lines:     make(chan json.RawMessage, 64),
		turns:     turns,
	}
	// The real CLI announces itself before any input arrives.
	c.Emit(map[string]any{"type": "system", "subtype": "init", "session_id": sessionID})
	return c
}

// Lines implements the stdout side of the transport.
func (c *ScriptedCLI) Lines() <-chan json.RawMessage {
	return c.lines
}

// WriteLine captures one stdin line. A user turn plays the next TurnScript;
// everything else is only recorded.
func (c *ScriptedCLI) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("subprocess stdin closed")
	}
	c.writes = append(c.writes, json.RawMessage(data))

	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	var turn *TurnScript
	if probe.Type == "user" && len(c.turns) > 0 {
		next := c.turns[0]
		c.turns = c.turns[1:]
		turn = &next
	}
	c.mu.Unlock()

	if turn != nil {
		c.play(*turn)
	}
	return nil
}

// Close ends the stream the way a real subprocess exit does.
func (c *ScriptedCLI) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.lines)
	}
	return nil
}

// Emit writes one stdout event, marshalling v.
func (c *ScriptedCLI) Emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("e2e: unencodable scripted event: %v", err))
	}
	c.EmitRaw(data)
}

// EmitRaw writes one pre-encoded stdout line. Emitting after Close is a
// no-op, matching a pipe whose reader is gone.
func (c *ScriptedCLI) EmitRaw(raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lines <- raw
}

// RequestTool emits a can_use_tool control request, as the CLI does before
// running a tool under prompt-mode permissions.
func (c *ScriptedCLI) RequestTool(requestID, toolName string, input map[string]any) {
	c.Emit(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": toolName,
			"input":     input,
		},
	})
}

func (c *ScriptedCLI) play(turn TurnScript) {
	events := turn.Events
	if len(events) == 0 && turn.Text != "" {
		events = assistantTurn(c.sessionID, turn.Text)
	}
	for _, ev := range events {
		c.EmitRaw(ev)
	}
}

// assistantTurn builds the event stream of one completed text-only turn: the
// assistant message followed by the success result.
func assistantTurn(sessionID, text string) []json.RawMessage {
	assistant := map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]any{
			"id":   "msg_scripted",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
			"stop_reason": "end_turn",
		},
	}
	result := map[string]any{
		"type":       "result",
		"subtype":    "success",
		"session_id": sessionID,
		"is_error":   false,
	}
	return []json.RawMessage{mustJSON(assistant), mustJSON(result)}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("e2e: unencodable event: %v", err))
	}
	return data
}

// UserTurns returns the text of every user message written to stdin, oldest
// first.
func (c *ScriptedCLI) UserTurns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		var msg struct {
			Type    string `json:"type"`
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if json.Unmarshal(w, &msg) == nil && msg.Type == "user" && len(msg.Message.Content) > 0 {
			out = append(out, msg.Message.Content[0].Text)
		}
	}
	return out
}

// ControlResponse is one decoded control_response written to stdin: the
// broker's answer to a can_use_tool request.
type ControlResponse struct {
	RequestID string
	Payload   map[string]any
}

// ControlResponses returns every control_response written to stdin.
func (c *ScriptedCLI) ControlResponses() []ControlResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ControlResponse
	for _, w := range c.writes {
		var msg struct {
			Type     string `json:"type"`
			Response struct {
				RequestID string          `json:"request_id"`
				Response  json.RawMessage `json:"response"`
			} `json:"response"`
		}
		if json.Unmarshal(w, &msg) != nil || msg.Type != "control_response" {
			continue
		}
		var payload map[string]any
		_ = json.Unmarshal(msg.Response.Response, &payload)
		out = append(out, ControlResponse{RequestID: msg.Response.RequestID, Payload: payload})
	}
	return out
}

// ControlRequest is one decoded control_request written to stdin: an
// interrupt or a permission mode change addressed to the CLI itself.
type ControlRequest struct {
	Subtype string
	Mode    string
}

// ControlRequests returns every control_request written to stdin.
func (c *ScriptedCLI) ControlRequests() []ControlRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ControlRequest
	for _, w := range c.writes {
		var msg struct {
			Type    string `json:"type"`
			Request struct {
				Subtype string `json:"subtype"`
				Mode    string `json:"mode"`
			} `json:"request"`
		}
		if json.Unmarshal(w, &msg) == nil && msg.Type == "control_request" {
			out = append(out, ControlRequest{Subtype: msg.Request.Subtype, Mode: msg.Request.Mode})
		}
	}
	return out
}

// ScriptedCLIFactory builds the sessions' subprocess handles: each Create
// wraps a fresh ScriptedCLI in the production control interceptor, so stream
// routing, session-id capture and permission arbitration all run the real
// code path.
type ScriptedCLIFactory struct {
	metrics *metrics.Collector
	logger  *slog.Logger

	mu      sync.Mutex
	scripts map[string][]TurnScript
	clis    map[string][]*ScriptedCLI
	spawned int
}

func NewScriptedCLIFactory(collector *metrics.Collector, logger *slog.Logger) *ScriptedCLIFactory {
	return &ScriptedCLIFactory{
		metrics: collector,
		logger:  logger,
		scripts: make(map[string][]TurnScript),
		clis:    make(map[string][]*ScriptedCLI),
	}
}

// ScriptTurns queues the reactions handed to the tab's next subprocess. Call
// it before the start frame spawns one.
func (f *ScriptedCLIFactory) ScriptTurns(tabID string, turns ...TurnScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[tabID] = append(f.scripts[tabID], turns...)
}

// Create implements session.AgentFactory.
func (f *ScriptedCLIFactory) Create(ctx context.Context, spec session.AgentSpec) (session.Agent, error) {
	f.mu.Lock()
	f.spawned++
	cli := newScriptedCLI(fmt.Sprintf("cli-session-%d", f.spawned), f.scripts[spec.TabID])
	delete(f.scripts, spec.TabID)
	f.clis[spec.TabID] = append(f.clis[spec.TabID], cli)
	f.mu.Unlock()
	return agent.NewInterceptor(ctx, cli, spec.TabID, spec.Permissions, f.metrics, f.logger), nil
}

// CLI returns the tab's most recent subprocess, nil before the first spawn.
func (f *ScriptedCLIFactory) CLI(tabID string) *ScriptedCLI {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.clis[tabID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// SpawnCount reports how many subprocesses were created across all tabs.
func (f *ScriptedCLIFactory) SpawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}
