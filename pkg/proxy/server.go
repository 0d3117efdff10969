// Package proxy is the loopback HTTP surface the LLM-CLI subprocess talks
// to. It impersonates the Anthropic Messages API: the broker points every
// subprocess at this server via ANTHROPIC_BASE_URL, resolves the bearer token
// to a route and hands the exchange to the matching provider executor.
package proxy

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
	"github.com/codeready-toolchain/gantry/pkg/provider"
	"github.com/codeready-toolchain/gantry/pkg/routes"
)

// Server serves the translation proxy on a loopback port.
type Server struct {
	cfg       *config.ProxyConfig
	registry  *routes.Registry
	executors *provider.Set
	logger    *slog.Logger

	echo *echo.Echo
	srv  *http.Server

	mu  sync.Mutex
	ln  net.Listener
	url string
}

// NewServer wires the proxy routes. The executor set must already carry its
// upstream environment (client, fallbacks, endpoint overrides).
func NewServer(cfg *config.ProxyConfig, registry *routes.Registry, executors *provider.Set, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		executors: executors,
		logger:    logger.With("component", "proxy"),
	}

	e := echo.New()
	e.POST("/v1/messages", s.messagesHandler)
	e.GET("/v1/models", s.modelsHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/logging", s.loggingHandler)
	e.POST("/logging", s.loggingHandler)
	e.GET("/keep-alive", s.keepAliveHandler)

	s.echo = e
	s.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the configured loopback address and serves in the background.
// Port 0 picks a free port; URL reports the bound address either way.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding proxy listener on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.url = "http://" + ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Proxy server exited", "error", err)
		}
	}()

	s.logger.Info("Translation proxy started", "url", s.URL())
	return nil
}

// Shutdown drains in-flight exchanges and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.ln != nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// URL is the base address subprocesses receive as ANTHROPIC_BASE_URL.
// Empty until Start has bound the listener.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}
