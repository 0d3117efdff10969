package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

func TestCloudCodeURL(t *testing.T) {
	base := "https://cloudcode-pa.googleapis.com/v1internal"
	assert.Equal(t, base+":generateContent", cloudCodeURL(base, "generateContent", false))
	assert.Equal(t, base+":streamGenerateContent?alt=sse", cloudCodeURL(base, "streamGenerateContent", true))
	assert.Equal(t, base+":countTokens", cloudCodeURL(base, "countTokens", false))
}

func TestUnwrapCloudCode(t *testing.T) {
	inner := `{"candidates":[]}`
	assert.JSONEq(t, inner, string(unwrapCloudCode([]byte(`{"response":`+inner+`}`))))
	assert.JSONEq(t, inner, string(unwrapCloudCode([]byte(inner))), "bare payloads pass through")
	assert.Equal(t, "not json", string(unwrapCloudCode([]byte("not json"))))
}

func cliRoute(project string) models.RouteConfig {
	return models.RouteConfig{
		Provider:   models.ProviderGoogle,
		AuthMethod: models.AuthOAuth,
		APIKey:     "ya29.token",
		ProjectID:  project,
	}
}

func TestGeminiCLIRequiresProject(t *testing.T) {
	inv := newInvocation(t, cliRoute(""), `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)

	err := (&geminiCLIExecutor{env: testEnv()}).Execute(context.Background(), inv, httptest.NewRecorder())

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	assert.Equal(t, "invalid_request_error", ue.Detail.Type)
}

func TestGeminiCLIExecuteNonStreaming(t *testing.T) {
	var captured [][]byte
	var gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = append(captured, body)
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}}`)
	}))
	defer upstream.Close()

	env := testEnv()
	env.CloudCodeBase = upstream.URL + "/v1internal"
	inv := newInvocation(t, cliRoute("proj-1"), `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)

	rec := runExecutor(t, &geminiCLIExecutor{env: env}, inv)

	assert.Equal(t, "Bearer ya29.token", gotAuth)
	assert.Equal(t, "/v1internal:generateContent", gotPath)

	require.Len(t, captured, 1)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(captured[0], &envelope))
	assert.Equal(t, "proj-1", envelope["project"])
	assert.Equal(t, "gemini-2.5-flash", envelope["model"])
	require.Contains(t, envelope, "request")
	assert.NotContains(t, envelope["request"].(map[string]any), "model",
		"the model rides the envelope, not the inner request")

	resp := decodeResponse(t, rec)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi there", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 4, resp.Usage.InputTokens)
}

func TestGeminiCLIFallbackOn429(t *testing.T) {
	var modelsTried []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var envelope map[string]any
		_ = json.Unmarshal(body, &envelope)
		modelsTried = append(modelsTried, envelope["model"].(string))

		if len(modelsTried) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"served by fallback"}]},"finishReason":"STOP"}]}}`)
	}))
	defer upstream.Close()

	env := testEnv()
	env.CloudCodeBase = upstream.URL + "/v1internal"
	env.GeminiFallbacks = map[string][]string{
		"gemini-2.5-pro": {"gemini-2.5-pro-preview-05-06", "gemini-2.5-pro-preview-06-05", "gemini-2.5-pro"},
	}
	inv := newInvocation(t, cliRoute("proj-1"), `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)

	rec := runExecutor(t, &geminiCLIExecutor{env: env}, inv)

	assert.Equal(t, []string{"gemini-2.5-pro-preview-05-06", "gemini-2.5-pro-preview-06-05"}, modelsTried,
		"preview models are tried in order until one has quota")

	resp := decodeResponse(t, rec)
	assert.Equal(t, "served by fallback", resp.Content[0].Text)
	assert.Equal(t, "gemini-2.5-pro-preview-06-05", resp.Model, "the response names the model that served it")
}

func TestGeminiCLIAllFallbacksExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded"}}`)
	}))
	defer upstream.Close()

	env := testEnv()
	env.CloudCodeBase = upstream.URL + "/v1internal"
	env.GeminiFallbacks = map[string][]string{"gemini-2.5-pro": {"a", "b"}}
	inv := newInvocation(t, cliRoute("proj-1"), `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)

	err := (&geminiCLIExecutor{env: env}).Execute(context.Background(), inv, httptest.NewRecorder())

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Equal(t, "quota exceeded", ue.Detail.Message)
}

func TestGeminiCLINon429ShortCircuits(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"backend exploded"}}`)
	}))
	defer upstream.Close()

	env := testEnv()
	env.CloudCodeBase = upstream.URL + "/v1internal"
	env.GeminiFallbacks = map[string][]string{"gemini-2.5-pro": {"a", "b", "c"}}
	inv := newInvocation(t, cliRoute("proj-1"), `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)

	err := (&geminiCLIExecutor{env: env}).Execute(context.Background(), inv, httptest.NewRecorder())

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusInternalServerError, ue.StatusCode)
	assert.Equal(t, 1, calls, "only quota pressure walks the fallback list")
}

func TestGeminiCLIExecuteStreaming(t *testing.T) {
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}}\n\n")
		_, _ = io.WriteString(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\" there\"}]},\"finishReason\":\"STOP\"}]}}\n\n")
	}))
	defer upstream.Close()

	env := testEnv()
	env.CloudCodeBase = upstream.URL + "/v1internal"
	inv := newInvocation(t, cliRoute("proj-1"), `{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	rec := runExecutor(t, &geminiCLIExecutor{env: env}, inv)

	assert.Equal(t, "alt=sse", gotQuery)

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(events))
	assert.Equal(t, "hi", events[2].data["delta"].(map[string]any)["text"])
	assert.Equal(t, " there", events[3].data["delta"].(map[string]any)["text"])
	assert.Equal(t, "end_turn", events[5].data["delta"].(map[string]any)["stop_reason"])
}
