package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

func testEnv() *Env {
	return &Env{
		Client: http.DefaultClient,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// newInvocation parses a raw body the way the proxy does before dispatch.
func newInvocation(t *testing.T, route models.RouteConfig, body string) *Invocation {
	t.Helper()
	req, err := ParseRequest([]byte(body))
	require.NoError(t, err)
	return &Invocation{
		Route:   route,
		Request: req,
		Raw:     []byte(body),
		Header:  http.Header{},
	}
}

// sseUpstream fakes a provider that answers every POST with the given SSE
// data chunks. Request bodies are appended to captured when non-nil.
func sseUpstream(captured *[][]byte, chunks ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			*captured = append(*captured, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
	}))
}

// jsonUpstream fakes a provider that answers with a single JSON body.
func jsonUpstream(captured *[][]byte, status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, _ := io.ReadAll(r.Body)
		if captured != nil {
			*captured = append(*captured, reqBody)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

type sseEvent struct {
	event string
	data  map[string]any
}

// parseSSE decodes the recorder body into named events.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var current string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
			out = append(out, sseEvent{event: current, data: m})
		}
	}
	return out
}

func eventNames(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.event
	}
	return out
}

// runExecutor drives one exchange against a recorder and requires success.
func runExecutor(t *testing.T, exec Executor, inv *Invocation) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, exec.Execute(context.Background(), inv, rec))
	return rec
}

// decodeResponse unmarshals a non-streaming Anthropic body.
func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}
