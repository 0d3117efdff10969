// Package permission arbitrates tool-use permission requests from LLM-CLI
// subprocesses.
//
// The manager is runtime-mutable: the client can switch modes mid-session.
// Prompt-mode requests become pending OneShots resolved by a later
// permission_response frame; there is no broker-side timeout, the client is
// responsible for answering or interrupting.
package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Mode selects how get_permission decides.
type Mode string

const (
	ModeAllow  Mode = "allow"
	ModeDeny   Mode = "deny"
	ModePrompt Mode = "prompt"
	ModeCached Mode = "cached"
	ModeCustom Mode = "custom"
)

// ValidMode reports whether s names a known mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeAllow, ModeDeny, ModePrompt, ModeCached, ModeCustom:
		return true
	}
	return false
}

// Decision is the arbitration result handed back to the subprocess.
type Decision struct {
	Behavior     string
	UpdatedInput map[string]any
	Message      string
	Interrupt    bool
}

// Allowed reports whether the decision permits the tool use.
func (d Decision) Allowed() bool {
	return d.Behavior == "allow"
}

// MarshalJSON produces the control_response payload shape: allow carries
// updatedInput, deny carries message and interrupt.
func (d Decision) MarshalJSON() ([]byte, error) {
	if d.Allowed() {
		return json.Marshal(struct {
			Behavior     string         `json:"behavior"`
			UpdatedInput map[string]any `json:"updatedInput"`
		}{Behavior: "allow", UpdatedInput: d.UpdatedInput})
	}
	return json.Marshal(struct {
		Behavior  string `json:"behavior"`
		Message   string `json:"message,omitempty"`
		Interrupt bool   `json:"interrupt"`
	}{Behavior: "deny", Message: d.Message, Interrupt: true})
}

// Allow builds an allow decision carrying input through unchanged.
func Allow(input map[string]any) Decision {
	return Decision{Behavior: "allow", UpdatedInput: input}
}

// Deny builds a deny decision.
func Deny(message string) Decision {
	return Decision{Behavior: "deny", Message: message, Interrupt: true}
}

// Request describes a pending arbitration for the client notification path.
type Request struct {
	RequestID string
	ToolName  string
	ToolInput map[string]any
	CreatedAt time.Time
}

type pendingRequest struct {
	req    Request
	future *OneShot[Decision]
}

type cachedDecision struct {
	decision  Decision
	expiresAt time.Time
}

// Manager is the runtime-mutable permission arbiter. One instance serves one
// session's subprocess.
type Manager struct {
	mu       sync.Mutex
	mode     Mode
	rules    map[string]string // tool name -> allow|deny
	cache    map[string]cachedDecision
	cacheTTL time.Duration
	pending  map[string]*pendingRequest
	notify   func(Request)

	now func() time.Time
}

// NewManager creates a manager in the given mode. cacheTTL bounds cached-mode
// decisions.
func NewManager(mode Mode, cacheTTL time.Duration) *Manager {
	return &Manager{
		mode:     mode,
		rules:    make(map[string]string),
		cache:    make(map[string]cachedDecision),
		cacheTTL: cacheTTL,
		pending:  make(map[string]*pendingRequest),
		now:      time.Now,
	}
}

// SetNotifier installs the client-notification callback fired when a request
// enters the pending table. The callback runs on its own goroutine and must
// tolerate a session with no live connections.
func (m *Manager) SetNotifier(fn func(Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// SetMode switches the arbitration mode at runtime.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetRule installs a custom-mode rule for a tool name.
func (m *Manager) SetRule(name, behavior string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[name] = behavior
}

// GetPermission arbitrates one tool use. In prompt mode (or on cache/rule
// miss) it blocks until Resolve is called with the same requestID or ctx is
// cancelled.
func (m *Manager) GetPermission(ctx context.Context, name string, input map[string]any, requestID string) (Decision, error) {
	m.mu.Lock()
	mode := m.mode

	switch mode {
	case ModeAllow:
		m.mu.Unlock()
		return Allow(input), nil

	case ModeDeny:
		m.mu.Unlock()
		return Deny("mode=deny"), nil

	case ModeCached:
		key := cacheKey(name, input)
		if c, ok := m.cache[key]; ok && m.now().Before(c.expiresAt) {
			m.mu.Unlock()
			return c.decision, nil
		}
		// Expired or missing: fall through to prompt, caching the outcome.
		decision, err := m.promptLocked(ctx, name, input, requestID)
		if err != nil {
			return Decision{}, err
		}
		m.mu.Lock()
		m.cache[key] = cachedDecision{decision: decision, expiresAt: m.now().Add(m.cacheTTL)}
		m.mu.Unlock()
		return decision, nil

	case ModeCustom:
		if behavior, ok := m.rules[name]; ok {
			m.mu.Unlock()
			if behavior == "allow" {
				return Allow(input), nil
			}
			return Deny("rule=deny"), nil
		}
		return m.promptLocked(ctx, name, input, requestID)

	default: // ModePrompt
		return m.promptLocked(ctx, name, input, requestID)
	}
}

// promptLocked registers a pending request and awaits its resolution.
// The caller must hold m.mu; it is released before blocking.
func (m *Manager) promptLocked(ctx context.Context, name string, input map[string]any, requestID string) (Decision, error) {
	req := Request{
		RequestID: requestID,
		ToolName:  name,
		ToolInput: input,
		CreatedAt: m.now(),
	}
	p := &pendingRequest{req: req, future: NewOneShot[Decision]()}
	m.pending[requestID] = p
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		go notify(req)
	}

	decision, err := p.future.Wait(ctx)

	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()

	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Resolve completes a pending request. An allow without updated input is
// filled with the originally submitted input so the subprocess never sees
// null. Returns false for unknown or already-resolved ids.
func (m *Manager) Resolve(requestID string, decision Decision) bool {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if decision.Allowed() && decision.UpdatedInput == nil {
		decision.UpdatedInput = p.req.ToolInput
	}
	return p.future.Resolve(decision)
}

// DenyPending resolves every pending request whose id carries the tab prefix
// with a deny. Used on interrupt and session destroy so awaiting subprocess
// reads are unblocked.
func (m *Manager) DenyPending(tabID, message string) int {
	prefix := tabID + ":"

	m.mu.Lock()
	var targets []*pendingRequest
	for id, p := range m.pending {
		if tabID == "" || strings.HasPrefix(id, prefix) {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, p := range targets {
		if p.future.Resolve(Deny(message)) {
			n++
		}
	}
	if n > 0 {
		slog.Info("Denied pending permission requests", "tab_id", tabID, "count", n)
	}
	return n
}

// PendingCount returns the number of unresolved requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// cacheKey canonicalizes a tool input: encoding/json sorts map keys, so the
// marshalled form is stable for equal inputs.
func cacheKey(name string, input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return name
	}
	return name + ":" + string(b)
}
