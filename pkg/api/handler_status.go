package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/gantry/pkg/version"
)

// statusHandler handles GET /status: the HTTP mirror of the status frame,
// for operators without a WebSocket client at hand.
func (s *Server) statusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &StatusResponse{
		Status:      "ok",
		Version:     version.GitCommit,
		Connections: s.conns.ActiveConnections(),
		Sessions:    s.sessions.Snapshot(),
	})
}

// metricsHandler bridges the prometheus registry into the echo chain.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.collector.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
