package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/permission"
)

// State tracks the subprocess lifecycle, driven by the stream itself: the
// first system/init event connects, assistant output streams, EOF closes.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateStreaming  State = "streaming"
	StateClosed     State = "closed"
)

// controlTransport is the raw stdio capability the interceptor decorates.
// *Runner is the production implementation; tests script their own.
type controlTransport interface {
	Lines() <-chan json.RawMessage
	WriteLine(v any) error
	Close() error
}

// Interceptor wraps the subprocess stream and owns the control channel:
// can_use_tool requests are diverted to the permission manager and answered
// on stdin, echoes of our own control traffic are swallowed, and every other
// event passes through unchanged. It is the session layer's Agent.
type Interceptor struct {
	logger  *slog.Logger
	tabID   string
	perms   *permission.Manager
	metrics *metrics.Collector

	// ctx bounds arbitrations awaiting a client decision.
	ctx   context.Context
	inner controlTransport

	events chan json.RawMessage

	mu        sync.Mutex
	state     State
	sessionID string

	nextCtrl atomic.Uint64
}

// NewInterceptor decorates a raw subprocess transport and starts its read
// loop.
func NewInterceptor(ctx context.Context, inner controlTransport, tabID string, perms *permission.Manager, collector *metrics.Collector, logger *slog.Logger) *Interceptor {
	i := &Interceptor{
		logger:  logger,
		tabID:   tabID,
		perms:   perms,
		metrics: collector,
		ctx:     ctx,
		inner:   inner,
		events:  make(chan json.RawMessage, eventBuffer),
		state:   StateConnecting,
	}
	go i.loop()
	return i
}

// Send submits one user turn on stdin. The CLI's own session id is attached
// once known so multi-turn input stays bound to the same conversation.
func (i *Interceptor) Send(ctx context.Context, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.inner.WriteLine(userMessage{
		Type:      "user",
		SessionID: i.SessionID(),
		Message: messageBody{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: content}},
		},
	})
}

// Interrupt asks the CLI to abort the in-flight turn.
func (i *Interceptor) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.inner.WriteLine(controlRequest{
		Type:      "control_request",
		RequestID: i.mintControlID(),
		Request:   controlPayload{Subtype: "interrupt"},
	})
}

// SetPermissionMode changes the CLI's own permission mode at runtime.
func (i *Interceptor) SetPermissionMode(ctx context.Context, mode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.inner.WriteLine(controlRequest{
		Type:      "control_request",
		RequestID: i.mintControlID(),
		Request:   controlPayload{Subtype: "set_permission_mode", Mode: mode},
	})
}

// Events yields the subprocess's conversation events in stream order. The
// channel closes when the subprocess exits.
func (i *Interceptor) Events() <-chan json.RawMessage {
	return i.events
}

// SessionID returns the CLI's own session id, captured from its first init
// event, or "" before that.
func (i *Interceptor) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// State returns the current subprocess lifecycle state.
func (i *Interceptor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Close terminates the underlying subprocess.
func (i *Interceptor) Close() error {
	return i.inner.Close()
}

// loop routes every raw line: arbitrate can_use_tool, swallow control
// echoes, forward the rest. It is the only writer to the events channel.
func (i *Interceptor) loop() {
	defer close(i.events)

	for line := range i.inner.Lines() {
		var probe streamProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			i.logger.Warn("Dropping unparseable subprocess line",
				"tab_id", i.tabID, "error", err, "bytes", len(line))
			continue
		}

		switch {
		case probe.Type == "control_request" && probe.Request != nil && probe.Request.Subtype == "can_use_tool":
			// Arbitration can block on the client; never stall the stream.
			go i.arbitrate(probe.RequestID, probe.Request.ToolName, probe.Request.Input)
			continue
		case probe.Type == "control_response":
			// Echo of our own control traffic.
			continue
		}

		if probe.SessionID != "" {
			i.captureSessionID(probe.SessionID)
		}
		i.advanceState(probe.Type, probe.Subtype)
		i.events <- line
	}

	i.setState(StateClosed)
}

// arbitrate resolves one can_use_tool request through the permission manager
// and answers the CLI with its own request id. Runs on its own goroutine per
// request, so several tools may be pending at once.
func (i *Interceptor) arbitrate(cliRequestID, toolName string, input map[string]any) {
	brokerID := i.tabID + ":" + uuid.NewString()[:8]

	i.logger.Info("Tool permission requested",
		"tab_id", i.tabID, "tool", toolName,
		"cli_request_id", cliRequestID, "request_id", brokerID)

	decision, err := i.perms.GetPermission(i.ctx, toolName, input, brokerID)
	if err != nil {
		decision = permission.Deny("arbitration aborted: " + err.Error())
	}
	if i.metrics != nil {
		i.metrics.PermissionDecisions.WithLabelValues(decision.Behavior).Inc()
	}

	payload, err := json.Marshal(decision)
	if err != nil {
		i.logger.Error("Failed to marshal permission decision",
			"tab_id", i.tabID, "cli_request_id", cliRequestID, "error", err)
		return
	}
	resp := controlResponse{
		Type: "control_response",
		Response: controlResult{
			Subtype:   "success",
			RequestID: cliRequestID,
			Response:  payload,
		},
	}
	if err := i.inner.WriteLine(resp); err != nil {
		i.logger.Warn("Failed to deliver permission decision",
			"tab_id", i.tabID, "cli_request_id", cliRequestID, "error", err)
		return
	}
	i.logger.Info("Tool permission resolved",
		"tab_id", i.tabID, "tool", toolName,
		"cli_request_id", cliRequestID, "behavior", decision.Behavior)
}

func (i *Interceptor) captureSessionID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sessionID = id
}

func (i *Interceptor) advanceState(eventType, subtype string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case eventType == "system" && subtype == "init":
		if i.state == StateConnecting {
			i.state = StateConnected
		}
	case eventType == "assistant" || eventType == "stream_event":
		if i.state == StateConnected {
			i.state = StateStreaming
		}
	case eventType == "result":
		if i.state == StateStreaming {
			i.state = StateConnected
		}
	}
}

func (i *Interceptor) setState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

func (i *Interceptor) mintControlID() string {
	return fmt.Sprintf("broker_%d", i.nextCtrl.Add(1))
}
