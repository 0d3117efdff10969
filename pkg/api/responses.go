package api

import (
	"github.com/codeready-toolchain/gantry/pkg/models"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's slice of the health report.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is returned by GET /status. Sessions carries the same
// per-session diagnostics the status frame reports over the control channel.
type StatusResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Connections int                    `json:"connections"`
	Sessions    []models.SessionStatus `json:"sessions"`
}
