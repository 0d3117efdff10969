package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Anthropic SSE event payloads. The writer emits them in the canonical
// sequence: message_start, then one or more content blocks, then
// message_delta and message_stop.

type messageStartEvent struct {
	Type    string    `json:"type"`
	Message *Response `json:"message"`
}

type contentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

type contentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type thinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type contentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta messageDelta `json:"delta"`
	Usage *Usage       `json:"usage,omitempty"`
}

type messageDelta struct {
	StopReason string `json:"stop_reason,omitempty"`
}

type messageStopEvent struct {
	Type       string `json:"type"`
	StopReason string `json:"stop_reason,omitempty"`
}

type errorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// streamWriter emits Anthropic SSE frames to the subprocess. After the first
// write failure it goes inert so translators can unwind without guarding
// every emit; the subprocess closing mid-stream is an ordinary event.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	failed  bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	flusher, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: flusher}
}

// begin commits the SSE response header. Idempotent.
func (s *streamWriter) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// emit writes one named event. Returns false once the client is gone.
func (s *streamWriter) emit(event string, payload any) bool {
	if s.failed {
		return false
	}
	s.begin()
	data, err := json.Marshal(payload)
	if err != nil {
		s.failed = true
		return false
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.failed = true
		return false
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return true
}

func (s *streamWriter) messageStart(id, model string) {
	if id == "" {
		id = newMessageID()
	}
	s.emit("message_start", messageStartEvent{
		Type: "message_start",
		Message: &Response{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{},
			Usage:   &Usage{},
		},
	})
}

func (s *streamWriter) blockStart(index int, block ContentBlock) {
	s.emit("content_block_start", contentBlockStartEvent{
		Type:         "content_block_start",
		Index:        index,
		ContentBlock: block,
	})
}

func (s *streamWriter) textDelta(index int, text string) {
	s.emit("content_block_delta", contentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: textDelta{Type: "text_delta", Text: text},
	})
}

func (s *streamWriter) jsonDelta(index int, partial string) {
	s.emit("content_block_delta", contentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: partial},
	})
}

func (s *streamWriter) thinkingDelta(index int, text string) {
	s.emit("content_block_delta", contentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: thinkingDelta{Type: "thinking_delta", Thinking: text},
	})
}

func (s *streamWriter) blockStop(index int) {
	s.emit("content_block_stop", contentBlockStopEvent{
		Type:  "content_block_stop",
		Index: index,
	})
}

func (s *streamWriter) messageDelta(stopReason string, usage *Usage) {
	s.emit("message_delta", messageDeltaEvent{
		Type:  "message_delta",
		Delta: messageDelta{StopReason: stopReason},
		Usage: usage,
	})
}

func (s *streamWriter) messageStop() {
	s.emit("message_stop", messageStopEvent{Type: "message_stop"})
}

// fail surfaces a mid-stream upstream failure as an error event followed by
// a terminal message_stop, per the canonical stream grammar.
func (s *streamWriter) fail(detail ErrorDetail) {
	s.emit("error", errorEvent{Type: "error", Error: detail})
	s.emit("message_stop", messageStopEvent{Type: "message_stop", StopReason: "error"})
}

// WriteStreamError renders an upstream failure as an SSE error event for
// requests where the client asked to stream but the exchange failed before
// any bytes went out.
func WriteStreamError(w http.ResponseWriter, detail ErrorDetail) {
	sw := newStreamWriter(w)
	sw.fail(detail)
}

// WriteJSONError renders the Anthropic error envelope with an HTTP status.
func WriteJSONError(w http.ResponseWriter, status int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Type: "error", Error: detail})
}

// writeJSON renders a 200 JSON body.
func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(v)
}

// sseDone is the OpenAI-family end-of-stream sentinel.
var sseDone = []byte("[DONE]")

// sseScanner iterates the data payloads of an upstream SSE body. Event-name
// lines are skipped; the payloads carry their own type fields in every
// dialect spoken here.
type sseScanner struct {
	sc *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseScanner{sc: sc}
}

// next returns the next data payload, or ok=false at end of stream.
func (s *sseScanner) next() (data []byte, ok bool) {
	for s.sc.Scan() {
		line := s.sc.Bytes()
		rest, found := bytes.CutPrefix(line, []byte("data:"))
		if !found {
			continue
		}
		rest = bytes.TrimSpace(rest)
		if len(rest) == 0 {
			continue
		}
		return rest, true
	}
	return nil, false
}
