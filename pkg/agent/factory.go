package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/session"
)

const (
	// eventBuffer absorbs bursts of partial-message events between reads by
	// the session's pump.
	eventBuffer = 128

	// exitGrace is how long a cancelled subprocess gets between SIGTERM and
	// SIGKILL.
	exitGrace = 5 * time.Second
)

// Factory spawns LLM-CLI subprocesses. The proxy URL and the per-session
// route token are injected through the environment, which is what coerces
// the CLI's upstream HTTP through the translation proxy.
type Factory struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	proxyURL string
	binary   string
}

// NewFactory builds the production subprocess factory. proxyURL is the
// translation proxy's loopback base URL.
func NewFactory(cfg *config.Config, proxyURL string, collector *metrics.Collector, logger *slog.Logger) *Factory {
	return &Factory{
		logger:   logger.With("component", "agent"),
		metrics:  collector,
		proxyURL: proxyURL,
		binary:   cfg.History.ClaudeBinary,
	}
}

// Create starts one subprocess for the session described by spec. The
// returned agent is live: its event stream is already being read.
func (f *Factory) Create(ctx context.Context, spec session.AgentSpec) (session.Agent, error) {
	binary, err := DiscoverBinary(f.binary)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, binary, buildArgs(spec)...)
	cmd.Dir = spec.Workdir
	cmd.Env = append(os.Environ(),
		"ANTHROPIC_BASE_URL="+f.proxyURL,
		"ANTHROPIC_API_KEY="+spec.RouteToken,
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = exitGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	r := &Runner{
		logger: f.logger,
		tabID:  spec.TabID,
		ctx:    runCtx,
		cancel: cancel,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan json.RawMessage, eventBuffer),
	}

	f.logger.Info("Subprocess started",
		"tab_id", spec.TabID,
		"binary", binary,
		"workdir", spec.Workdir,
		"permission_mode", spec.PermissionMode,
		"resume", spec.ResumeSessionID != "",
		"pid", cmd.Process.Pid)

	go r.readLoop(stdout)
	go f.drainStderr(spec.TabID, stderr)

	return NewInterceptor(runCtx, r, spec.TabID, spec.Permissions, f.metrics, f.logger), nil
}

// buildArgs assembles the CLI invocation: JSON-lines on both stdio
// directions, permission prompts routed over stdio, partial message events
// on, and resume flags when continuing or branching a conversation.
func buildArgs(spec session.AgentSpec) []string {
	mode := spec.PermissionMode
	if mode == "" {
		mode = "default"
	}
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", mode,
		"--include-partial-messages",
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
		if spec.ResumeAtMessageUUID != "" {
			args = append(args,
				"--fork-session",
				"--resume-session-at-message-uuid", spec.ResumeAtMessageUUID,
			)
		}
	}
	return args
}

func (f *Factory) drainStderr(tabID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			f.logger.Debug("Subprocess stderr", "tab_id", tabID, "line", line)
		}
	}
}
