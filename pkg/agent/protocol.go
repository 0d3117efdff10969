package agent

import (
	"encoding/json"
)

// The LLM-CLI speaks JSON lines over stdio. Inbound lines are either
// conversation events (system, assistant, user, stream_event, result) or
// control traffic (control_request, control_response). Outbound lines are
// user turns and control envelopes.

// streamProbe is the minimal decode of an inbound line: enough to route it
// without touching the payload, which is forwarded verbatim.
type streamProbe struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlPayload `json:"request,omitempty"`
}

// controlPayload is the inner object of a control_request in either direction.
type controlPayload struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Mode     string         `json:"mode,omitempty"`
}

// controlRequest is a control envelope written to the CLI's stdin.
type controlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   controlPayload `json:"request"`
}

// controlResponse answers a control_request the CLI sent us. The request_id
// inside the result must be the CLI's own id, not ours.
type controlResponse struct {
	Type     string        `json:"type"`
	Response controlResult `json:"response"`
}

type controlResult struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// userMessage is the stdin format for submitting a user turn.
type userMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   messageBody `json:"message"`
}

type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
