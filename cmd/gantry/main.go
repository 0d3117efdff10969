// Gantry broker: relays a mobile client's WebSocket control channel to
// LLM-CLI subprocesses and runs the loopback translation proxy their HTTP
// traffic rides through.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/gantry/pkg/agent"
	"github.com/codeready-toolchain/gantry/pkg/api"
	"github.com/codeready-toolchain/gantry/pkg/broker"
	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/history"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/notify"
	"github.com/codeready-toolchain/gantry/pkg/provider"
	"github.com/codeready-toolchain/gantry/pkg/proxy"
	"github.com/codeready-toolchain/gantry/pkg/routes"
	"github.com/codeready-toolchain/gantry/pkg/session"
	"github.com/codeready-toolchain/gantry/pkg/transport"
	"github.com/codeready-toolchain/gantry/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envPortOverride applies an integer env var on top of a config port.
func envPortOverride(key string, port *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring non-numeric port override", "var", key, "value", raw)
		return
	}
	*port = n
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("GANTRY_CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	envPortOverride("GANTRY_PORT", &cfg.Server.Port)
	envPortOverride("GANTRY_PROXY_PORT", &cfg.Proxy.Port)

	slog.Info("Starting gantry",
		"version", version.Full(),
		"server_port", cfg.Server.Port,
		"proxy_port", cfg.Proxy.Port,
		"config_dir", *configDir)

	collector := metrics.NewCollector()
	registry := routes.NewRegistry()
	logger := slog.Default()

	// 2. Start the loopback translation proxy. The subprocess factory needs
	// its bound URL, so it comes up first.
	executors := provider.NewSet(&provider.Env{
		Client:          &http.Client{Timeout: cfg.Proxy.UpstreamTimeout},
		Logger:          logger,
		Metrics:         collector,
		GeminiFallbacks: cfg.Proxy.GeminiFallbacks,
	})
	prx := proxy.NewServer(cfg.Proxy, registry, executors, logger)
	if err := prx.Start(); err != nil {
		slog.Error("Failed to start translation proxy", "error", err)
		os.Exit(1)
	}

	// 3. Session layer: subprocess factory, manager, transport fanout
	factory := agent.NewFactory(cfg, prx.URL(), collector, logger)
	conns := transport.NewManager(cfg, collector, logger)
	sessions := session.NewManager(cfg, registry, factory, conns, collector, logger)
	conns.SetDetachListener(sessions.HandleDetached)

	// 4. Optional Slack operator notifications
	var notifier session.Notifier
	if cfg.Notifier.Enabled {
		if svc := notify.NewService(notify.ServiceConfig{
			Token:   os.Getenv(cfg.Notifier.TokenEnv),
			Channel: cfg.Notifier.Channel,
		}); svc != nil {
			notifier = svc
			sessions.SetNotifier(svc)
			slog.Info("Slack notifications enabled", "channel", cfg.Notifier.Channel)
		} else {
			slog.Warn("Slack notifications enabled in config but token is missing",
				"token_env", cfg.Notifier.TokenEnv)
		}
	}

	// 5. Broker dispatch + conversation history
	hist := history.NewStore(*cfg.History, logger)
	handler := broker.NewHandler(sessions, conns, registry, hist, collector, notifier, logger)

	// 6. Background loops: dead-connection sweep, session maintenance
	conns.Start(ctx)
	sweeper := session.NewSweeper(cfg, sessions, logger)
	sweeper.Start(ctx)

	// 7. Public API server (WebSocket control channel, health, status, metrics)
	apiServer := api.NewServer(cfg.Server, conns, handler, sessions, prx, collector, logger)
	if err := apiServer.Start(); err != nil {
		slog.Error("Failed to start API server", "error", err)
		os.Exit(1)
	}

	slog.Info("Gantry started successfully",
		"api_url", apiServer.URL(),
		"proxy_url", prx.URL())

	// 8. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 9. Graceful shutdown: stop accepting, close client connections, stop
	// sweepers, terminate subprocesses, stop the proxy last so in-flight
	// upstream exchanges can finish.
	apiCtx, apiCancel := context.WithTimeout(ctx, 5*time.Second)
	defer apiCancel()
	if err := apiServer.Shutdown(apiCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}

	conns.CloseAll("server shutting down")
	conns.Stop()
	sweeper.Stop()

	done := make(chan struct{})
	go func() {
		sessions.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Sessions shut down gracefully")
	case <-time.After(15 * time.Second):
		slog.Warn("Session shutdown timeout exceeded; subprocesses may be killed")
	}

	proxyCtx, proxyCancel := context.WithTimeout(ctx, 5*time.Second)
	defer proxyCancel()
	if err := prx.Shutdown(proxyCtx); err != nil {
		slog.Error("Proxy shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
