// Package e2e boots a complete gantry broker for end-to-end tests: real
// WebSocket transport, real frame dispatch and real translation proxy, with
// scripted subprocesses in place of LLM CLIs and httptest servers in place
// of provider upstreams. Tests drive it the way the mobile client would.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/gantry/pkg/api"
	"github.com/codeready-toolchain/gantry/pkg/broker"
	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/history"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/provider"
	"github.com/codeready-toolchain/gantry/pkg/proxy"
	"github.com/codeready-toolchain/gantry/pkg/routes"
	"github.com/codeready-toolchain/gantry/pkg/session"
	"github.com/codeready-toolchain/gantry/pkg/transport"
)

const waitTimeout = 5 * time.Second

// TestApp is a fully wired broker bound to free loopback ports.
type TestApp struct {
	Config   *config.Config
	Registry *routes.Registry
	Factory  *ScriptedCLIFactory
	Sessions *session.Manager
	Conns    *transport.Manager
	Proxy    *proxy.Server
	API      *api.Server

	// BaseURL is the public API, WSURL the control channel, ProxyURL the
	// loopback translation proxy.
	BaseURL  string
	WSURL    string
	ProxyURL string

	t *testing.T
}

type testAppConfig struct {
	cfg           *config.Config
	codexEndpoint string
	cloudCodeBase string
	fallbacks     map[string][]string
}

// TestAppOption customizes the booted broker.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the default test configuration wholesale.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(tc *testAppConfig) { tc.cfg = cfg }
}

// WithCodexUpstream points the Codex executor at a fake Responses endpoint.
func WithCodexUpstream(url string) TestAppOption {
	return func(tc *testAppConfig) { tc.codexEndpoint = url }
}

// WithCloudCodeUpstream points the Cloud Code Assist executor at a fake base
// URL.
func WithCloudCodeUpstream(base string) TestAppOption {
	return func(tc *testAppConfig) { tc.cloudCodeBase = base }
}

// WithGeminiFallbacks overrides the 429 fallback chains.
func WithGeminiFallbacks(chains map[string][]string) TestAppOption {
	return func(tc *testAppConfig) { tc.fallbacks = chains }
}

// NewTestApp boots the broker and registers teardown in reverse start order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	cfg := tc.cfg
	if cfg == nil {
		cfg = defaultTestConfig(t)
	}
	fallbacks := tc.fallbacks
	if fallbacks == nil {
		fallbacks = cfg.Proxy.GeminiFallbacks
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := metrics.NewCollector()
	registry := routes.NewRegistry()

	// 1. Translation proxy first; the session layer needs its bound URL.
	executors := provider.NewSet(&provider.Env{
		Client:          &http.Client{Timeout: cfg.Proxy.UpstreamTimeout},
		Logger:          logger,
		Metrics:         collector,
		GeminiFallbacks: fallbacks,
		CodexEndpoint:   tc.codexEndpoint,
		CloudCodeBase:   tc.cloudCodeBase,
	})
	prx := proxy.NewServer(cfg.Proxy, registry, executors, logger)
	require.NoError(t, prx.Start())

	// 2. Session layer over scripted subprocesses.
	factory := NewScriptedCLIFactory(collector, logger)
	conns := transport.NewManager(cfg, collector, logger)
	sessions := session.NewManager(cfg, registry, factory, conns, collector, logger)
	conns.SetDetachListener(sessions.HandleDetached)

	// 3. Frame dispatch and the public API server.
	hist := history.NewStore(*cfg.History, logger)
	handler := broker.NewHandler(sessions, conns, registry, hist, collector, nil, logger)
	conns.Start(context.Background())
	apiServer := api.NewServer(cfg.Server, conns, handler, sessions, prx, collector, logger)
	require.NoError(t, apiServer.Start())

	app := &TestApp{
		Config:   cfg,
		Registry: registry,
		Factory:  factory,
		Sessions: sessions,
		Conns:    conns,
		Proxy:    prx,
		API:      apiServer,
		BaseURL:  apiServer.URL(),
		WSURL:    "ws" + strings.TrimPrefix(apiServer.URL(), "http") + "/ws",
		ProxyURL: prx.URL(),
		t:        t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		conns.CloseAll("test teardown")
		conns.Stop()
		sessions.Shutdown()
		_ = prx.Shutdown(shutdownCtx)
	})
	return app
}

// defaultTestConfig binds every listener to a free loopback port and disables
// the maintenance loops, so tests only observe traffic they caused. Sweep,
// GC and heartbeat behavior is covered by the session package's own tests.
func defaultTestConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Server:      config.DefaultServerConfig(),
		Proxy:       config.DefaultProxyConfig(),
		Sessions:    config.DefaultSessionConfig(),
		Buffer:      config.DefaultBufferConfig(),
		Permissions: config.DefaultPermissionConfig(),
		Notifier:    config.DefaultNotifierConfig(),
		History:     &config.HistoryConfig{Root: t.TempDir()},
	}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.SweepInterval = 0
	cfg.Proxy.Host = "127.0.0.1"
	cfg.Proxy.Port = 0
	cfg.Sessions.IdleTimeout = 0
	cfg.Sessions.SweepInterval = 0
	cfg.Sessions.SyncHeartbeatInterval = 0
	cfg.Buffer.GCInterval = 0
	return cfg
}

// Connect dials the control channel and consumes the connection greeting.
func (app *TestApp) Connect() *WSClient {
	app.t.Helper()
	client, err := WSConnect(context.Background(), app.WSURL)
	require.NoError(app.t, err)
	app.t.Cleanup(client.Close)

	greeting, err := client.WaitForFrameType("system", waitTimeout)
	require.NoError(app.t, err)
	require.Equal(app.t, "connected", greeting.Parsed["status"])
	return client
}

// StartTab runs the start handshake for a tab with inline Anthropic
// credentials and waits for the ready status.
func (app *TestApp) StartTab(client *WSClient, tabID string, seq uint64) {
	app.t.Helper()
	err := client.Send(context.Background(), startFrame(tabID, seq, anthropicCreds("test-key")))
	require.NoError(app.t, err)

	_, err = client.WaitForFrame(func(f WSFrame) bool {
		return f.Type == "status" && f.Parsed["status"] == "ready" && f.TabID() == tabID
	}, waitTimeout)
	require.NoError(app.t, err)
}
