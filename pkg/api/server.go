// Package api is the broker's public HTTP surface: the WebSocket control
// channel at GET /ws plus the health, status and metrics endpoints. The
// proxy listener is separate; this server is the one clients reach.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/session"
	"github.com/codeready-toolchain/gantry/pkg/transport"
)

// ProxyInfo exposes the translation proxy's bound address so the health
// handler can probe it without importing the proxy package.
type ProxyInfo interface {
	URL() string
}

// Server serves the public broker API.
type Server struct {
	cfg       *config.ServerConfig
	conns     *transport.Manager
	handler   transport.FrameHandler
	sessions  *session.Manager
	proxy     ProxyInfo
	collector *metrics.Collector
	logger    *slog.Logger

	probe *http.Client

	echo *echo.Echo
	srv  *http.Server

	mu  sync.Mutex
	ln  net.Listener
	url string
}

// NewServer wires the public routes. The frame handler is the broker
// dispatch layer; every accepted WebSocket feeds it through conns.
func NewServer(cfg *config.ServerConfig, conns *transport.Manager, handler transport.FrameHandler, sessions *session.Manager, proxy ProxyInfo, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		conns:     conns,
		handler:   handler,
		sessions:  sessions,
		proxy:     proxy,
		collector: collector,
		logger:    logger.With("component", "api"),
		probe:     &http.Client{Timeout: 2 * time.Second},
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/ws", s.wsHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/status", s.statusHandler)
	e.GET("/metrics", s.metricsHandler)

	s.echo = e
	s.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the configured address and serves in the background. Port 0
// picks a free port; URL reports the bound address either way.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding api listener on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.url = "http://" + ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server exited", "error", err)
		}
	}()

	s.logger.Info("Broker API started", "url", s.URL())
	return nil
}

// Shutdown stops accepting and drains in-flight requests. Live WebSocket
// connections are not waited for; the transport manager closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.ln != nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// URL is the server's base address. Empty until Start has bound the
// listener.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// securityHeaders returns middleware that sets standard security response
// headers on every route, the WebSocket upgrade included.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}
