package provider

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

func TestGeminiEndpoint(t *testing.T) {
	exec := &geminiExecutor{env: testEnv()}

	got := exec.endpoint("", "gemini-2.5-pro", false, "k1", true)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent?key=k1", got)

	got = exec.endpoint("", "gemini-2.5-pro", true, "k1", true)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse&key=k1", got)

	got = exec.endpoint("https://gateway.corp/", "gemini-2.5-flash", false, "tok", false)
	assert.Equal(t, "https://gateway.corp/v1beta/models/gemini-2.5-flash:generateContent", got)
}

func TestTranslateGeminiRequestShapes(t *testing.T) {
	raw := `{
		"model": "gemini-2.5-pro",
		"max_tokens": 256,
		"system": "stay factual",
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		],
		"tools": [{"name": "get_weather", "input_schema": {
			"type": "object",
			"additionalProperties": false,
			"properties": {"city": {"type": "string"}}
		}}],
		"tool_choice": {"type": "tool", "name": "get_weather"}
	}`
	req, err := ParseRequest([]byte(raw))
	require.NoError(t, err)

	out := translateGeminiRequest(req, newExchange())

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "user", out.SystemInstruction.Role)
	assert.Equal(t, geminiPart{"text": "stay factual"}, out.SystemInstruction.Parts[0])

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)

	call := out.Contents[1].Parts[0]["functionCall"].(map[string]any)
	assert.Equal(t, "get_weather", call["name"])
	assert.Equal(t, map[string]any{"city": "SF"}, call["args"])

	// The function response pairs by name, resolved from the call it answers.
	resp := out.Contents[2].Parts[0]["functionResponse"].(map[string]any)
	assert.Equal(t, "get_weather", resp["name"])
	assert.Equal(t, map[string]any{"content": "sunny"}, resp["response"])

	require.Len(t, out.Tools, 1, "all declarations share one envelope")
	require.Len(t, out.Tools[0].FunctionDeclarations, 1)
	params, err := json.Marshal(out.Tools[0].FunctionDeclarations[0].Parameters)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","properties":{"city":{"type":"string"}}}`, string(params))

	require.NotNil(t, out.ToolConfig)
	assert.Equal(t, "ANY", out.ToolConfig.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"get_weather"}, out.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)

	require.NotNil(t, out.GenerationConfig)
	assert.Equal(t, 256, out.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, out.GenerationConfig.ThinkingConfig)
	tc, err := json.Marshal(out.GenerationConfig.ThinkingConfig)
	require.NoError(t, err)
	assert.JSONEq(t, `{"include_thoughts":true,"thinkingBudget":4096}`, string(tc))
}

func TestTranslateGeminiToolChoiceModes(t *testing.T) {
	base := func(choice *ToolChoice) *Request {
		return &Request{
			Model:      "gemini-2.5-pro",
			Messages:   []Message{{Role: "user", Content: MessageContent{Blocks: []ContentBlock{{Type: "text", Text: "x"}}}}},
			ToolChoice: choice,
		}
	}

	out := translateGeminiRequest(base(&ToolChoice{Type: "auto"}), newExchange())
	assert.Equal(t, "AUTO", out.ToolConfig.FunctionCallingConfig.Mode)

	out = translateGeminiRequest(base(&ToolChoice{Type: "any"}), newExchange())
	assert.Equal(t, "AUTO", out.ToolConfig.FunctionCallingConfig.Mode)

	out = translateGeminiRequest(base(&ToolChoice{Type: "none"}), newExchange())
	assert.Equal(t, "NONE", out.ToolConfig.FunctionCallingConfig.Mode)

	out = translateGeminiRequest(base(nil), newExchange())
	assert.Nil(t, out.ToolConfig)
}

func TestGeminiExecuteNonStreaming(t *testing.T) {
	var gotURL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"text": "weighing options", "thought": true},
					{"text": "checking"},
					{"functionCall": {"name": "get_weather", "args": {"city": "SF"}}}
				]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 6, "thoughtsTokenCount": 4, "cachedContentTokenCount": 2}
		}`)
	}))
	defer upstream.Close()

	route := models.RouteConfig{Provider: models.ProviderGemini, BaseURL: upstream.URL, APIKey: "g-key"}
	inv := newInvocation(t, route, `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"weather?"}]}`)

	rec := runExecutor(t, &geminiExecutor{env: testEnv()}, inv)

	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent?key=g-key", gotURL)

	resp := decodeResponse(t, rec)
	assert.Equal(t, "gemini-2.5-pro", resp.Model)
	require.Len(t, resp.Content, 3)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "weighing options", resp.Content[0].Thinking)
	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Equal(t, "tool_use", resp.Content[2].Type)
	assert.Equal(t, "get_weather", resp.Content[2].Name)
	assert.JSONEq(t, `{"city":"SF"}`, string(resp.Content[2].Input))
	assert.Equal(t, "tool_use", resp.StopReason)

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 6, resp.Usage.OutputTokens)
	assert.Equal(t, 4, resp.Usage.ThinkingTokens)
	assert.Equal(t, 2, resp.Usage.CacheReadInputTokens)
}

func TestGeminiExecuteOAuthHeader(t *testing.T) {
	var gotAuth, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`)
	}))
	defer upstream.Close()

	route := models.RouteConfig{
		Provider:   models.ProviderGemini,
		BaseURL:    upstream.URL,
		APIKey:     "ya29.token",
		AuthMethod: models.AuthOAuth,
	}
	inv := newInvocation(t, route, `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)

	runExecutor(t, &geminiExecutor{env: testEnv()}, inv)
	assert.Equal(t, "Bearer ya29.token", gotAuth)
	assert.Empty(t, gotQuery, "oauth tokens never ride the query string")
}

func TestGeminiExecuteStreaming(t *testing.T) {
	upstream := sseUpstream(nil,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"lo"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"mulling","thought":true}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"SF"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":3,"thoughtsTokenCount":2}}`,
	)
	defer upstream.Close()

	route := models.RouteConfig{Provider: models.ProviderGemini, BaseURL: upstream.URL, APIKey: "g-key"}
	inv := newInvocation(t, route, `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"weather?"}]}`)

	rec := runExecutor(t, &geminiExecutor{env: testEnv()}, inv)

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(events))

	start := events[0].data["message"].(map[string]any)
	assert.True(t, strings.HasPrefix(start["id"].(string), "msg_"), "stream ids are minted locally")
	assert.Equal(t, "gemini-2.5-pro", start["model"])

	assert.Equal(t, "text", events[1].data["content_block"].(map[string]any)["type"])
	assert.Equal(t, "Hel", events[2].data["delta"].(map[string]any)["text"])
	assert.Equal(t, "lo", events[3].data["delta"].(map[string]any)["text"])

	assert.Equal(t, "thinking", events[5].data["content_block"].(map[string]any)["type"])
	assert.Equal(t, "mulling", events[6].data["delta"].(map[string]any)["thinking"])

	tool := events[8].data["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", tool["type"])
	assert.Equal(t, "get_weather", tool["name"])
	assert.JSONEq(t, `{"city":"SF"}`, events[9].data["delta"].(map[string]any)["partial_json"].(string))

	final := events[11]
	assert.Equal(t, "tool_use", final.data["delta"].(map[string]any)["stop_reason"])
	assert.Equal(t, float64(2), final.data["usage"].(map[string]any)["thinking_tokens"])
}

func TestGeminiStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", geminiStopReason(""))
	assert.Equal(t, "end_turn", geminiStopReason("STOP"))
	assert.Equal(t, "max_tokens", geminiStopReason("MAX_TOKENS"))
	assert.Equal(t, "stop_sequence", geminiStopReason("SAFETY"))
	assert.Equal(t, "stop_sequence", geminiStopReason("RECITATION"))
	assert.Equal(t, "end_turn", geminiStopReason("OTHER"))
}
