package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// cloudCodeBase is the Cloud Code Assist surface serving Google OAuth
// credentials. Methods hang off the version segment, not a model path.
const cloudCodeBase = "https://cloudcode-pa.googleapis.com/v1internal"

// geminiCLIExecutor wraps the Gemini translation in the Cloud Code Assist
// envelope and walks the configured model fallback list on 429s.
type geminiCLIExecutor struct {
	env *Env
}

// cloudCodeEnvelope is the request wrapper: the project owns quota, the
// model rides beside the body instead of inside it.
type cloudCodeEnvelope struct {
	Project string         `json:"project"`
	Model   string         `json:"model"`
	Request *geminiRequest `json:"request"`
}

// cloudCodeChunk is the response wrapper around each generateContent
// payload, for bodies and stream chunks alike.
type cloudCodeChunk struct {
	Response json.RawMessage `json:"response"`
}

// cloudCodeURL builds the method URL. Method is one of generateContent,
// streamGenerateContent, countTokens.
func cloudCodeURL(base, method string, stream bool) string {
	u := base + ":" + method
	if stream {
		u += "?alt=sse"
	}
	return u
}

func (g *geminiCLIExecutor) Execute(ctx context.Context, inv *Invocation, w http.ResponseWriter) error {
	if inv.Route.ProjectID == "" {
		return &UpstreamError{
			StatusCode: http.StatusBadRequest,
			Detail: ErrorDetail{
				Type:    "invalid_request_error",
				Message: "google oauth routes require a project_id",
			},
		}
	}

	ex := newExchange()
	greq := translateGeminiRequest(inv.Request, ex)

	method := "generateContent"
	if inv.Request.Stream {
		method = "streamGenerateContent"
	}
	endpoint := cloudCodeURL(g.env.CloudCodeBase, method, inv.Request.Stream)

	var lastErr *UpstreamError
	for _, model := range g.fallbackModels(inv.Request.Model) {
		payload, err := json.Marshal(cloudCodeEnvelope{
			Project: inv.Route.ProjectID,
			Model:   model,
			Request: greq,
		})
		if err != nil {
			return fmt.Errorf("encoding cloud code request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+inv.Route.APIKey)
		applyExtraHeaders(req, inv.Route)

		resp, err := g.env.do(req, "gemini-cli")
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = drainError(resp)
			resp.Body.Close()
			g.env.Logger.Info("cloud code model exhausted, trying fallback",
				"model", model)
			continue
		}
		if resp.StatusCode >= 300 {
			// Anything but quota pressure short-circuits the list.
			uerr := drainError(resp)
			resp.Body.Close()
			return uerr
		}

		defer resp.Body.Close()
		if inv.Request.Stream {
			streamGemini(g.env, resp.Body, w, ex, model, unwrapCloudCode)
			return nil
		}
		return g.respond(resp.Body, w, ex, model)
	}

	if lastErr != nil {
		return lastErr
	}
	return &UpstreamError{
		StatusCode: http.StatusTooManyRequests,
		Detail:     ErrorDetail{Type: "rate_limit_error", Message: "all fallback models exhausted"},
	}
}

// fallbackModels returns the ordered candidate list for a requested model,
// preview models first. Models without a configured list are tried as-is.
func (g *geminiCLIExecutor) fallbackModels(model string) []string {
	if list, ok := g.env.GeminiFallbacks[model]; ok && len(list) > 0 {
		return list
	}
	return []string{model}
}

func (g *geminiCLIExecutor) respond(body io.Reader, w http.ResponseWriter, ex *exchange, model string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Detail:     ErrorDetail{Type: "api_error", Message: "reading cloud code response: " + err.Error()},
		}
	}
	var gr geminiResponse
	if err := json.Unmarshal(unwrapCloudCode(raw), &gr); err != nil {
		return &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Detail:     ErrorDetail{Type: "api_error", Message: "decoding cloud code response: " + err.Error()},
		}
	}
	return writeJSON(w, geminiToAnthropic(&gr, ex, model))
}

// unwrapCloudCode peels the {response: ...} wrapper; bare payloads pass
// through so the translator tolerates both framings.
func unwrapCloudCode(data []byte) []byte {
	var chunk cloudCodeChunk
	if err := json.Unmarshal(data, &chunk); err == nil && len(chunk.Response) > 0 {
		return chunk.Response
	}
	return data
}
