package proxy

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/gantry/pkg/provider"
	"github.com/codeready-toolchain/gantry/pkg/version"
)

// maxLoggingBody caps how much of a CLI debug payload is read before discard.
const maxLoggingBody = 1 << 20

// requestToken extracts the route token. The CLI sends Authorization: Bearer
// by default and x-api-key when configured with a plain key.
func requestToken(h http.Header) string {
	if auth := h.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return h.Get("x-api-key")
}

// authError renders a 401 Anthropic error envelope.
func authError(c *echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, provider.ErrorEnvelope{
		Type:  "error",
		Error: provider.ErrorDetail{Type: "authentication_error", Message: message},
	})
}

// requestError renders a 400 Anthropic error envelope.
func requestError(c *echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, provider.ErrorEnvelope{
		Type:  "error",
		Error: provider.ErrorDetail{Type: "invalid_request_error", Message: message},
	})
}

// messagesHandler handles POST /v1/messages: resolve the token to a route,
// parse the canonical body and hand the exchange to the dialect executor.
// Resolving the token is what promotes a pending credential swap.
func (s *Server) messagesHandler(c *echo.Context) error {
	start := time.Now()

	token := requestToken(c.Request().Header)
	if token == "" {
		return authError(c, "missing bearer token or x-api-key header")
	}
	route, ok := s.registry.Get(token)
	if !ok {
		return authError(c, "unknown route token")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return requestError(c, "reading request body: "+err.Error())
	}
	req, err := provider.ParseRequest(body)
	if err != nil {
		return requestError(c, err.Error())
	}
	if !route.Valid() {
		return authError(c, "route has no credentials")
	}

	inv := &provider.Invocation{
		Route:   route,
		Request: req,
		Raw:     body,
		Header:  c.Request().Header,
	}
	exec := s.executors.ForRoute(route)

	if err := exec.Execute(c.Request().Context(), inv, c.Response()); err != nil {
		s.renderExecuteError(c.Response(), req.Stream, err)
		s.logger.Warn("Upstream exchange failed",
			"provider", route.Provider,
			"model", req.Model,
			"stream", req.Stream,
			"error", err)
		return nil
	}

	s.logger.Debug("Served messages exchange",
		"provider", route.Provider,
		"model", req.Model,
		"stream", req.Stream,
		"duration", time.Since(start))
	return nil
}

// renderExecuteError maps an executor failure onto the wire. Executors only
// return errors before writing, so the response is still ours to shape: SSE
// error frames when the client asked to stream, a JSON envelope otherwise.
func (s *Server) renderExecuteError(w http.ResponseWriter, stream bool, err error) {
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		ue = &provider.UpstreamError{
			StatusCode: http.StatusInternalServerError,
			Detail:     provider.ErrorDetail{Type: "api_error", Message: err.Error()},
		}
	}
	if stream {
		provider.WriteStreamError(w, ue.Detail)
		return
	}
	provider.WriteJSONError(w, ue.StatusCode, ue.Detail)
}

// modelListing mirrors the Anthropic GET /v1/models response shape.
type modelListing struct {
	Data    []modelEntry `json:"data"`
	HasMore bool         `json:"has_more"`
	FirstID string       `json:"first_id,omitempty"`
	LastID  string       `json:"last_id,omitempty"`
}

type modelEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// modelsHandler handles GET /v1/models. The catalog is whatever models the
// registered routes name; the CLI only uses it as a connectivity probe.
func (s *Server) modelsHandler(c *echo.Context) error {
	seen := make(map[string]bool)
	listing := modelListing{Data: []modelEntry{}}
	for _, info := range s.registry.List() {
		if info.Model == "" || seen[info.Model] {
			continue
		}
		seen[info.Model] = true
		listing.Data = append(listing.Data, modelEntry{Type: "model", ID: info.Model, DisplayName: info.Model})
	}
	sort.Slice(listing.Data, func(i, j int) bool { return listing.Data[i].ID < listing.Data[j].ID })
	if n := len(listing.Data); n > 0 {
		listing.FirstID = listing.Data[0].ID
		listing.LastID = listing.Data[n-1].ID
	}
	return c.JSON(http.StatusOK, listing)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": version.GitCommit,
		"routes":  len(s.registry.Tokens()),
	})
}

// loggingHandler handles GET|POST /logging. The CLI posts debug payloads
// here; they are logged at debug level and discarded.
func (s *Server) loggingHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxLoggingBody))
	if err == nil && len(body) > 0 {
		s.logger.Debug("CLI debug payload", "method", c.Request().Method, "bytes", len(body), "payload", string(body))
	}
	return c.NoContent(http.StatusNoContent)
}

// keepAliveHandler handles GET /keep-alive, the CLI's liveness probe.
func (s *Server) keepAliveHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
