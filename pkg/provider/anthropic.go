package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicVersion     = "2023-06-01"
	defaultAnthropicBase = "https://api.anthropic.com"
)

// anthropicExecutor forwards requests to an Anthropic-compatible upstream
// byte for byte. The upstream already speaks the canonical shape, so the
// work is header placement and optional reasoning-budget injection.
type anthropicExecutor struct {
	env *Env
}

func (a *anthropicExecutor) Execute(ctx context.Context, inv *Invocation, w http.ResponseWriter) error {
	body := inv.Raw

	// A model suffix like -high selects a thinking budget when the client
	// did not set one itself.
	base, effort := splitEffortSuffix(inv.Request.Model)
	if effort != "" && inv.Request.Thinking == nil {
		if patched, err := injectThinking(body, base, anthropicThinkingBudget(effort)); err == nil {
			body = patched
		} else {
			a.env.Logger.Warn("reasoning injection failed, forwarding request untouched",
				"model", inv.Request.Model, "error", err)
		}
	}

	endpoint := strings.TrimSuffix(inv.Route.BaseURL, "/")
	if endpoint == "" {
		endpoint = defaultAnthropicBase
	}
	endpoint += "/v1/messages"
	if inv.Route.IsOAuth() {
		endpoint += "?beta=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if beta := inv.Header.Get("anthropic-beta"); beta != "" && !inv.Route.IsOAuth() {
		req.Header.Set("anthropic-beta", beta)
	}
	authorize(req, inv.Route)
	applyExtraHeaders(req, inv.Route)

	resp, err := a.env.do(req, "anthropic")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return drainError(resp)
	}

	// Byte-level forwarding: SSE framing and JSON bodies pass through
	// unchanged.
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
	return nil
}

// injectThinking rewrites the raw body with a normalized model name and an
// enabled thinking block. It works on a generic map so unknown fields
// survive the round trip.
func injectThinking(raw []byte, model string, budget int) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	body["model"] = model
	body["thinking"] = map[string]any{
		"type":          "enabled",
		"budget_tokens": budget,
	}
	return json.Marshal(body)
}

// flushCopy streams src to the client, flushing after every chunk. A client
// write failure stops the copy; the deferred body close lets the upstream
// connection unwind.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}
