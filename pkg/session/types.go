package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/codeready-toolchain/gantry/pkg/permission"
)

// State represents the current lifecycle state of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateInactive     State = "inactive"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// Live reports whether the session still owns resources (route, subprocess).
func (s State) Live() bool {
	return s != StateTerminated
}

// Session is the broker's authoritative unit of conversation state.
// session_id is the internal key; tab_id is the client-facing key.
type Session struct {
	ID    string
	TabID string

	Workdir        string
	SystemPrompt   string
	PermissionMode string

	// RouteToken is the opaque key under which this session's upstream
	// credentials are registered; the subprocess carries it as its API key.
	RouteToken string

	CreatedAt time.Time

	Acks        *AckEngine
	Buffer      *Buffer
	Permissions *permission.Manager

	mu           sync.RWMutex
	state        State
	lastActivity time.Time

	// claudeSessionID is the subprocess's own session id, captured from its
	// first init event. Set if and only if a subprocess is attached.
	claudeSessionID string

	// Branch bookkeeping for edit_message.
	branchPointUUID   string
	originalSessionID string

	agent     Agent
	cancel    context.CancelFunc
	lastError string
}

// SetState updates the lifecycle state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActivity = time.Now()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SetError records a failure and moves the session to the error state.
// The session stays in the registry so the client can retry without
// remapping its tab.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.lastError = msg
	s.lastActivity = time.Now()
}

// LastError returns the recorded failure message, if any.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// BindAgent attaches a subprocess handle and its cancel function.
func (s *Session) BindAgent(a Agent, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = a
	s.cancel = cancel
}

// Agent returns the attached subprocess handle, or nil.
func (s *Session) Agent() Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// ReleaseAgent detaches the subprocess handle, cancelling its context, and
// clears the CLI session id to keep the attachment invariant.
func (s *Session) ReleaseAgent() Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent
	s.agent = nil
	s.claudeSessionID = ""
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return a
}

// SetClaudeSessionID records the subprocess's own session id.
func (s *Session) SetClaudeSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claudeSessionID = id
}

// ClaudeSessionID returns the subprocess's own session id, or "".
func (s *Session) ClaudeSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claudeSessionID
}

// MarkBranch records the branch point for an edit_message restart.
func (s *Session) MarkBranch(messageUUID, originalSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchPointUUID = messageUUID
	if s.originalSessionID == "" {
		s.originalSessionID = originalSessionID
	}
}

// BranchPoint returns the branch bookkeeping (uuid, original CLI session id).
func (s *Session) BranchPoint() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branchPointUUID, s.originalSessionID
}

// SetPermissionModeValue updates the CLI-facing permission mode.
func (s *Session) SetPermissionModeValue(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PermissionMode = mode
}

// PermissionModeValue returns the CLI-facing permission mode.
func (s *Session) PermissionModeValue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PermissionMode
}

// Agent is the narrow subprocess capability the session layer drives: send
// user turns, interrupt, change the CLI's permission mode, and consume the
// stream of Anthropic-shaped events the subprocess emits.
type Agent interface {
	// Send submits one user turn to the subprocess.
	Send(ctx context.Context, content string) error

	// Interrupt forwards an interrupt to the subprocess.
	Interrupt(ctx context.Context) error

	// SetPermissionMode changes the subprocess's own permission mode.
	SetPermissionMode(ctx context.Context, mode string) error

	// Events yields subprocess stream events. The channel closes on EOF.
	Events() <-chan json.RawMessage

	// SessionID returns the subprocess's own session id once captured.
	SessionID() string

	// Close terminates the subprocess.
	Close() error
}

// AgentSpec describes the subprocess to create or resume.
type AgentSpec struct {
	TabID          string
	Workdir        string
	SystemPrompt   string
	PermissionMode string

	// RouteToken becomes the subprocess's ANTHROPIC_API_KEY, coercing its
	// HTTP traffic through the translation proxy.
	RouteToken string

	// ResumeSessionID resumes an existing CLI conversation; with
	// ResumeAtMessageUUID it branches at that message.
	ResumeSessionID     string
	ResumeAtMessageUUID string

	Permissions *permission.Manager
}

// AgentFactory creates subprocess handles. The production implementation
// spawns the LLM-CLI; tests substitute a scripted fake.
type AgentFactory interface {
	Create(ctx context.Context, spec AgentSpec) (Agent, error)
}

// Fanout delivers serialized frames to the live connections of a session.
// Implemented by the transport connection manager.
type Fanout interface {
	// SendToSession fans one frame to every connection of the session.
	SendToSession(sessionID string, frame []byte) (succeeded, failed int)

	// SendToConnection targets a single connection; used by replay so other
	// devices attached to the same session are not re-sent old frames.
	SendToConnection(connectionID string, frame []byte) error

	// ConnectionCount reports how many live connections serve the session.
	ConnectionCount(sessionID string) int

	// CloseSessionConnections closes every connection of the session.
	CloseSessionConnections(sessionID string)
}
