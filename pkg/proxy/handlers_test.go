package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/provider"
	"github.com/codeready-toolchain/gantry/pkg/routes"
)

func newTestServer(reg *routes.Registry) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executors := provider.NewSet(&provider.Env{
		Client: http.DefaultClient,
		Logger: logger,
	})
	cfg := &config.ProxyConfig{Host: "127.0.0.1", Port: 0}
	return NewServer(cfg, reg, executors, logger)
}

// invoke runs a handler against a recorded request.
func invoke(t *testing.T, handler func(*echo.Context) error, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, handler(c))
	return rec
}

func decodeErrorEnvelope(t *testing.T, body []byte) provider.ErrorEnvelope {
	t.Helper()
	var env provider.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	require.Equal(t, "error", env.Type)
	return env
}

const minimalBody = `{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer tok-1"}, "tok-1"},
		{"bearer with padding", map[string]string{"Authorization": "Bearer  tok-2 "}, "tok-2"},
		{"x-api-key", map[string]string{"x-api-key": "tok-3"}, "tok-3"},
		{"authorization wins", map[string]string{"Authorization": "Bearer tok-a", "x-api-key": "tok-b"}, "tok-a"},
		{"non-bearer authorization", map[string]string{"Authorization": "Basic dXNlcg=="}, ""},
		{"no headers", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, requestToken(h))
		})
	}
}

func TestMessagesRejectsMissingToken(t *testing.T) {
	s := newTestServer(routes.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "authentication_error", env.Error.Type)
	assert.Contains(t, env.Error.Message, "missing")
}

func TestMessagesRejectsUnknownToken(t *testing.T) {
	s := newTestServer(routes.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("Authorization", "Bearer nobody")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "authentication_error", env.Error.Type)
	assert.Contains(t, env.Error.Message, "unknown route token")
}

func TestMessagesRejectsRouteWithoutCredentials(t *testing.T) {
	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("x-api-key", "tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "authentication_error", env.Error.Type)
	assert.Contains(t, env.Error.Message, "credentials")
}

func TestMessagesRejectsMalformedBody(t *testing.T) {
	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "sk-a"})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":`))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "invalid_request_error", env.Error.Type)
}

func TestMessagesRejectsEmptyMessages(t *testing.T) {
	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "sk-a"})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","max_tokens":10,"messages":[]}`))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "invalid_request_error", env.Error.Type)
	assert.Contains(t, env.Error.Message, "no messages")
}

func TestMessagesPassthroughExchange(t *testing.T) {
	var upstreamKey string
	var upstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamKey = r.Header.Get("x-api-key")
		upstreamBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_up","type":"message","role":"assistant","content":[{"type":"text","text":"hello"}]}`))
	}))
	defer upstream.Close()

	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{
		Provider: models.ProviderAnthropic,
		BaseURL:  upstream.URL,
		APIKey:   "sk-real",
	})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-real", upstreamKey)
	assert.JSONEq(t, minimalBody, string(upstreamBody))
	assert.Contains(t, rec.Body.String(), `"id":"msg_up"`)
}

func TestMessagesPromotesPendingCredentials(t *testing.T) {
	var upstreamKeys []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamKeys = append(upstreamKeys, r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_up","type":"message"}`))
	}))
	defer upstream.Close()

	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, BaseURL: upstream.URL, APIKey: "sk-old"})
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, BaseURL: upstream.URL, APIKey: "sk-new"})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, upstreamKeys, 1)
	assert.Equal(t, "sk-new", upstreamKeys[0], "queued credentials apply on the next request")
}

func TestMessagesUpstreamErrorAsJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer upstream.Close()

	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, BaseURL: upstream.URL, APIKey: "sk-a"})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(minimalBody))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	env := decodeErrorEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "rate_limit_error", env.Error.Type)
	assert.Equal(t, "slow down", env.Error.Message)
}

func TestMessagesUpstreamErrorAsSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"backend down"}}`))
	}))
	defer upstream.Close()

	reg := routes.NewRegistry()
	reg.Register("tok-1", models.RouteConfig{Provider: models.ProviderAnthropic, BaseURL: upstream.URL, APIKey: "sk-a"})
	s := newTestServer(reg)

	streamBody := `{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(streamBody))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := invoke(t, s.messagesHandler, req)

	assert.Equal(t, http.StatusOK, rec.Code, "stream errors ride the SSE channel, not the status line")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, `"backend down"`)
	assert.Contains(t, body, `"stop_reason":"error"`)
}

func TestModelsCatalog(t *testing.T) {
	reg := routes.NewRegistry()
	reg.Register("tok-a", models.RouteConfig{Provider: models.ProviderOpenAI, APIKey: "k", Model: "gpt-5"})
	reg.Register("tok-b", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k", Model: "claude-sonnet-4"})
	reg.Register("tok-c", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k", Model: "claude-sonnet-4"})
	reg.Register("tok-d", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k"})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := invoke(t, s.modelsHandler, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var listing modelListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Data, 2, "duplicates and model-less routes are dropped")
	assert.Equal(t, "claude-sonnet-4", listing.Data[0].ID)
	assert.Equal(t, "gpt-5", listing.Data[1].ID)
	assert.Equal(t, "model", listing.Data[0].Type)
	assert.Equal(t, "claude-sonnet-4", listing.FirstID)
	assert.Equal(t, "gpt-5", listing.LastID)
	assert.False(t, listing.HasMore)
}

func TestModelsCatalogEmpty(t *testing.T) {
	s := newTestServer(routes.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := invoke(t, s.modelsHandler, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var listing modelListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.NotNil(t, listing.Data)
	assert.Empty(t, listing.Data)
	assert.Empty(t, listing.FirstID)
}

func TestHealthEndpoint(t *testing.T) {
	reg := routes.NewRegistry()
	reg.Register("tok-a", models.RouteConfig{Provider: models.ProviderAnthropic, APIKey: "k"})
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := invoke(t, s.healthHandler, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.EqualValues(t, 1, resp["routes"])
	assert.NotEmpty(t, resp["version"])
}

func TestLoggingEndpointDiscards(t *testing.T) {
	s := newTestServer(routes.NewRegistry())

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/logging", strings.NewReader(`{"level":"debug","msg":"cli chatter"}`))
		rec := invoke(t, s.loggingHandler, req)
		assert.Equal(t, http.StatusNoContent, rec.Code, method)
		assert.Empty(t, rec.Body.String(), method)
	}
}

func TestKeepAliveEndpoint(t *testing.T) {
	s := newTestServer(routes.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/keep-alive", nil)
	rec := invoke(t, s.keepAliveHandler, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
