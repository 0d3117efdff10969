package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is the canonical Anthropic Messages request every executor
// translates from. The subprocess always speaks this shape regardless of the
// upstream dialect behind the route.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	System         *SystemPrompt   `json:"system,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	StopSequences  []string        `json:"stop_sequences,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Thinking       *Thinking       `json:"thinking,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ParseRequest decodes a /v1/messages body.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parsing messages request: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages request has no messages")
	}
	return &req, nil
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is the polymorphic content field: the wire form is either a
// bare string or an array of content blocks. A bare string is normalized to
// a single text block on decode.
type MessageContent struct {
	Blocks []ContentBlock

	wasString bool
}

// Text flattens the content to plain text, joining text blocks with
// newlines. Non-text blocks are skipped.
func (m MessageContent) Text() string {
	parts := make([]string, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		m.Blocks = []ContentBlock{{Type: "text", Text: s}}
		m.wasString = true
		return nil
	}
	m.wasString = false
	return json.Unmarshal(data, &m.Blocks)
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.wasString && len(m.Blocks) == 1 {
		return json.Marshal(m.Blocks[0].Text)
	}
	return json.Marshal(m.Blocks)
}

// SystemPrompt carries the request's system field, which is a bare string or
// a list of text blocks on the wire.
type SystemPrompt struct {
	Blocks []ContentBlock

	wasString bool
}

// Text joins the prompt's text blocks with newlines.
func (s SystemPrompt) Text() string {
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s.Blocks = []ContentBlock{{Type: "text", Text: str}}
		s.wasString = true
		return nil
	}
	s.wasString = false
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.wasString && len(s.Blocks) == 1 {
		return json.Marshal(s.Blocks[0].Text)
	}
	return json.Marshal(s.Blocks)
}

// ContentBlock is one element of a message's content array. Type selects
// which fields are meaningful: text, image, tool_use, tool_result, thinking.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *MessageContent `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// resultText flattens a tool_result payload for dialects without structured
// tool results.
func (b ContentBlock) resultText() string {
	if b.Content == nil {
		return ""
	}
	return b.Content.Text()
}

// ImageSource is the Anthropic inline image payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// dataURL renders the image as an RFC 2397 data URL.
func (s ImageSource) dataURL() string {
	return "data:" + s.MediaType + ";base64," + s.Data
}

// Tool is one entry of the request's tools array.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice constrains which tool the model may call. Type is one of
// auto, any, none, tool; Name is set only for type=tool.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Thinking enables extended reasoning with a token budget.
type Thinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether the request asked for reasoning output.
func (t *Thinking) Enabled() bool {
	return t != nil && t.Type != "disabled"
}

// Response is the canonical Anthropic message returned to the subprocess in
// non-streaming mode and inside the message_start event otherwise.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Usage is the canonical token accounting block. The thinking and cache
// fields are populated only by dialects that report them.
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	ThinkingTokens       int `json:"thinking_tokens,omitempty"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorDetail is the inner body of an Anthropic error envelope.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEnvelope is the Anthropic-shaped error body surfaced to the
// subprocess for every upstream failure, whatever dialect produced it.
type ErrorEnvelope struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
