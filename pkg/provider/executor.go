// Package provider implements the translation proxy's upstream dialects.
//
// Every executor consumes the canonical Anthropic Messages shape the
// subprocess emits and produces it back, translating requests, responses and
// SSE streams to and from the configured upstream's wire format. Executor
// selection, auth header placement and error envelopes follow the route
// configuration; the proxy package owns the HTTP surface in front of this.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/models"
)

// maxErrorBody caps how much of an upstream error response is read back.
const maxErrorBody = 1 << 20

// Env is the shared machinery handed to every executor.
type Env struct {
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Collector

	// GeminiFallbacks maps a requested model to the ordered list tried by
	// the Cloud Code Assist executor when the upstream answers 429.
	GeminiFallbacks map[string][]string

	// CodexEndpoint and CloudCodeBase override the proxy-owned upstream
	// surfaces. Empty selects the production URLs; test harnesses point
	// them at fakes. Route base URLs never reach these dialects.
	CodexEndpoint string
	CloudCodeBase string
}

// Invocation carries one canonical request through an executor.
type Invocation struct {
	Route   models.RouteConfig
	Request *Request

	// Raw is the exact body received, used by passthrough dialects.
	Raw []byte

	// Header is the inbound request header set. Executors forward selected
	// entries (anthropic-beta) when masquerading is not in play.
	Header http.Header
}

// Executor serves one /v1/messages exchange against a specific upstream
// dialect. A non-nil error means nothing was written to w and the caller
// renders the error envelope; once an executor has started writing it
// handles failures on the open stream itself.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation, w http.ResponseWriter) error
}

// Set holds one executor per dialect.
type Set struct {
	anthropic *anthropicExecutor
	codex     *codexExecutor
	gemini    *geminiExecutor
	geminiCLI *geminiCLIExecutor
	openAI    *openAIExecutor
}

// NewSet builds the executor set. A nil client gets the default upstream
// timeout; streams are bounded by it in total, never per chunk.
func NewSet(env *Env) *Set {
	if env.Client == nil {
		env.Client = &http.Client{Timeout: 120 * time.Second}
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	env.Logger = env.Logger.With("component", "provider")
	if env.CodexEndpoint == "" {
		env.CodexEndpoint = codexEndpoint
	}
	if env.CloudCodeBase == "" {
		env.CloudCodeBase = cloudCodeBase
	}

	return &Set{
		anthropic: &anthropicExecutor{env: env},
		codex:     &codexExecutor{env: env},
		gemini:    &geminiExecutor{env: env},
		geminiCLI: &geminiCLIExecutor{env: env},
		openAI:    &openAIExecutor{env: env},
	}
}

// ForRoute picks the executor for a route. OpenAI credentials ride the Codex
// backend, Google OAuth rides Cloud Code Assist, and anything unrecognized
// is treated as an OpenAI-v1 compatible endpoint.
func (s *Set) ForRoute(rc models.RouteConfig) Executor {
	switch {
	case rc.Provider == models.ProviderOpenAI:
		return s.codex
	case rc.Provider == models.ProviderAnthropic:
		return s.anthropic
	case rc.Provider == models.ProviderGoogle && rc.IsOAuth():
		return s.geminiCLI
	case rc.Provider == models.ProviderGoogle || rc.Provider == models.ProviderGemini:
		return s.gemini
	default:
		return s.openAI
	}
}

// UpstreamError is a failed upstream exchange translated into the canonical
// error vocabulary.
type UpstreamError struct {
	StatusCode int
	Detail     ErrorDetail
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %d (%s): %s", e.StatusCode, e.Detail.Type, e.Detail.Message)
}

// errorTypeForStatus maps an HTTP status to the Anthropic error taxonomy.
func errorTypeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case status >= 500:
		return "api_error"
	case status >= 400:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// parseUpstreamError extracts a message from whichever error envelope the
// upstream speaks: Anthropic {type:error,error:{...}}, OpenAI
// {error:{message,type}}, or Gemini {error:{code,message,status}}.
func parseUpstreamError(status int, body []byte) *UpstreamError {
	out := &UpstreamError{
		StatusCode: status,
		Detail:     ErrorDetail{Type: errorTypeForStatus(status)},
	}

	var envelope struct {
		Type  string `json:"type"`
		Error *struct {
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
			Status  string          `json:"status"`
			Message string          `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error != nil && envelope.Error.Message != "":
			out.Detail.Message = envelope.Error.Message
			if envelope.Error.Type != "" {
				out.Detail.Type = envelope.Error.Type
			}
		case envelope.Message != "":
			out.Detail.Message = envelope.Message
		}
	}
	if out.Detail.Message == "" {
		trimmed := strings.TrimSpace(string(body))
		if len(trimmed) > 256 {
			trimmed = trimmed[:256]
		}
		if trimmed == "" {
			trimmed = http.StatusText(status)
		}
		out.Detail.Message = trimmed
	}
	return out
}

// do issues an upstream request and counts it. Transport failures surface as
// 502-class upstream errors so the caller renders one envelope shape.
func (e *Env) do(req *http.Request, provider string) (*http.Response, error) {
	resp, err := e.Client.Do(req)
	if err != nil {
		e.observeUpstream(provider, 0)
		return nil, &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Detail:     ErrorDetail{Type: "api_error", Message: err.Error()},
		}
	}
	e.observeUpstream(provider, resp.StatusCode)
	return resp, nil
}

func (e *Env) observeUpstream(provider string, status int) {
	if e.Metrics == nil {
		return
	}
	class := "error"
	if status > 0 {
		class = fmt.Sprintf("%dxx", status/100)
	}
	e.Metrics.UpstreamRequests.WithLabelValues(provider, class).Inc()
}

// drainError reads a bounded error body and translates it.
func drainError(resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return parseUpstreamError(resp.StatusCode, body)
}

// authorize places the route credentials on an outbound request per the
// provider's convention. Unknown API-key providers get both header shapes
// for compatibility.
func authorize(req *http.Request, rc models.RouteConfig) {
	switch rc.Provider {
	case models.ProviderAnthropic:
		if rc.IsOAuth() {
			req.Header.Set("Authorization", "Bearer "+rc.APIKey)
			for k, v := range oauthMasquerade {
				req.Header.Set(k, v)
			}
		} else {
			req.Header.Set("x-api-key", rc.APIKey)
		}
	case models.ProviderAzure:
		req.Header.Set("api-key", rc.APIKey)
	case models.ProviderGoogle, models.ProviderGemini:
		if rc.IsOAuth() {
			req.Header.Set("Authorization", "Bearer "+rc.APIKey)
		} else {
			req.Header.Set("x-goog-api-key", rc.APIKey)
		}
	case "openai", "openrouter", "ollama", "togetherai", "groq", "cerebras", "xai":
		req.Header.Set("Authorization", "Bearer "+rc.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+rc.APIKey)
		if !rc.IsOAuth() {
			req.Header.Set("x-api-key", rc.APIKey)
		}
	}
}

// applyExtraHeaders copies the route's extra headers onto the request,
// after auth so deployments can override anything.
func applyExtraHeaders(req *http.Request, rc models.RouteConfig) {
	for k, v := range rc.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

// oauthMasquerade mirrors the header set the CLI itself sends so OAuth
// tokens scoped to it are accepted upstream.
var oauthMasquerade = map[string]string{
	"anthropic-beta": "oauth-2025-04-20",
	"anthropic-dangerous-direct-browser-access": "true",
	"x-app":      "cli",
	"user-agent": "claude-cli/1.0.83 (external, cli)",
}
