package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/gantry/pkg/session"
	"github.com/codeready-toolchain/gantry/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Only gantry's own components are checked. Upstream providers are excluded
// so an orchestrator does not restart the broker when an external LLM
// service is down.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.proxy != nil {
		if err := s.probeProxy(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["proxy"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["proxy"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	total := s.sessions.Count()
	errored := 0
	for _, snap := range s.sessions.Snapshot() {
		if snap.State == string(session.StateError) {
			errored++
		}
	}
	if errored > 0 {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["sessions"] = HealthCheck{
			Status:  healthStatusDegraded,
			Message: fmt.Sprintf("%d of %d sessions errored", errored, total),
		}
	} else {
		checks["sessions"] = HealthCheck{Status: healthStatusHealthy, Message: fmt.Sprintf("%d live", total)}
	}
	checks["subprocesses"] = HealthCheck{Status: healthStatusHealthy, Message: fmt.Sprintf("%d running", s.sessions.AgentCount())}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// probeProxy confirms the loopback translation proxy answers its own health
// endpoint.
func (s *Server) probeProxy(ctx context.Context) error {
	base := s.proxy.URL()
	if base == "" {
		return errors.New("proxy not started")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy health returned %d", resp.StatusCode)
	}
	return nil
}
