package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/models"
	"github.com/codeready-toolchain/gantry/pkg/permission"
	"github.com/codeready-toolchain/gantry/pkg/routes"
)

// Sentinel errors surfaced to the handler layer, which maps them onto the
// client-facing error codes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoAgent         = errors.New("no subprocess attached")
	ErrNoCredentials   = errors.New("no credentials available")
)

// Notifier receives operator notifications. Nil-safe wrappers are the
// caller's concern; the manager only calls it when non-nil.
type Notifier interface {
	SessionError(tabID, message string)
	PermissionWaiting(tabID, toolName string)
}

// CreateSpec describes the session requested by a start or load_conversation
// frame.
type CreateSpec struct {
	TabID          string
	Workdir        string
	SystemPrompt   string
	PermissionMode string

	// Credentials override the manager's global credentials for this
	// session's route. Nil means use the global set.
	Credentials *models.Credentials

	// ResumeSessionID resumes a CLI conversation from on-disk history.
	ResumeSessionID string
}

// Manager owns the authoritative session set: the session_id -> Session map
// and the tab_id -> session_id index, plus the global credentials copied into
// each route entry at registration time.
type Manager struct {
	logger  *slog.Logger
	routes  *routes.Registry
	factory AgentFactory
	fanout  Fanout
	metrics *metrics.Collector

	sessionCfg config.SessionConfig
	bufferCfg  config.BufferConfig
	permCfg    config.PermissionConfig

	// onPermission forwards a pending prompt to the client; set once by the
	// handler layer before any session is created.
	onPermission func(*Session, permission.Request)
	notifier     Notifier

	mu    sync.RWMutex
	byID  map[string]*Session
	byTab map[string]string
	creds *models.Credentials
}

// NewManager wires the session layer together. fanout may be nil in tests
// that never send.
func NewManager(cfg *config.Config, reg *routes.Registry, factory AgentFactory, fanout Fanout, collector *metrics.Collector, logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger.With("component", "session_manager"),
		routes:     reg,
		factory:    factory,
		fanout:     fanout,
		metrics:    collector,
		sessionCfg: *cfg.Sessions,
		bufferCfg:  *cfg.Buffer,
		permCfg:    *cfg.Permissions,
		byID:       make(map[string]*Session),
		byTab:      make(map[string]string),
	}
}

// SetPermissionSink installs the callback that delivers permission prompts to
// the client. Must be set before sessions are created.
func (m *Manager) SetPermissionSink(fn func(*Session, permission.Request)) {
	m.onPermission = fn
}

// SetNotifier installs the optional operator notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetCredentials replaces the global credentials used for new routes.
func (m *Manager) SetCredentials(creds models.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = &creds
}

// Credentials returns a copy of the global credentials, if set.
func (m *Manager) Credentials() (models.Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return models.Credentials{}, false
	}
	return *m.creds, true
}

// RefreshRoutes queues the current global credentials as the pending config
// of every live session's route. Each route flips on its next read, so
// in-flight turns keep the credentials they started with.
func (m *Manager) RefreshRoutes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return 0
	}
	cfg := m.creds.ToRouteConfig()
	updated := 0
	for _, s := range m.byID {
		if !s.State().Live() {
			continue
		}
		m.routes.Update(s.RouteToken, cfg)
		updated++
	}
	return updated
}

// Get returns the session for a tab, if one exists.
func (m *Manager) Get(tabID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTab[tabID]
	if !ok {
		return nil, false
	}
	s, ok := m.byID[id]
	return s, ok
}

// GetByID returns the session for an internal session id.
func (m *Manager) GetByID(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// GetOrCreate returns the existing session for the tab or creates one,
// registering its route and spawning its subprocess. The bool reports whether
// the session already existed. A subprocess spawn failure still registers the
// session (in the error state) so the client can retry without remapping its
// tab; the retry respawns through the same session and route.
func (m *Manager) GetOrCreate(ctx context.Context, spec CreateSpec) (*Session, bool, error) {
	if s, ok := m.Get(spec.TabID); ok {
		if s.Agent() == nil && s.State() != StateTerminated {
			if err := m.respawn(ctx, s, spec); err != nil {
				return s, true, err
			}
		}
		return s, true, nil
	}

	creds := spec.Credentials
	if creds == nil {
		if global, ok := m.Credentials(); ok {
			creds = &global
		}
	}

	s := &Session{
		ID:             uuid.New().String(),
		TabID:          spec.TabID,
		Workdir:        spec.Workdir,
		SystemPrompt:   spec.SystemPrompt,
		PermissionMode: spec.PermissionMode,
		RouteToken:     uuid.New().String(),
		CreatedAt:      time.Now(),
		Acks:           NewAckEngine(),
		Buffer:         NewBuffer(m.bufferCfg.Capacity),
		Permissions:    permission.NewManager(arbiterMode(spec.PermissionMode), m.permCfg.CacheTTL),
	}
	s.SetState(StateInitializing)

	if m.onPermission != nil {
		sess := s
		s.Permissions.SetNotifier(func(req permission.Request) {
			m.onPermission(sess, req)
		})
	}

	if creds != nil {
		m.routes.Register(s.RouteToken, creds.ToRouteConfig())
	}

	m.mu.Lock()
	// A racing start frame for the same tab may have won; prefer the winner.
	if id, ok := m.byTab[spec.TabID]; ok {
		existing := m.byID[id]
		m.mu.Unlock()
		m.routes.Unregister(s.RouteToken)
		return existing, true, nil
	}
	m.byID[s.ID] = s
	m.byTab[s.TabID] = s.ID
	m.mu.Unlock()
	m.metrics.ActiveSessions.Inc()

	m.logger.Info("Session created",
		"session_id", s.ID,
		"tab_id", s.TabID,
		"workdir", s.Workdir,
		"permission_mode", s.PermissionModeValue(),
		"resume", spec.ResumeSessionID != "")

	if creds == nil {
		s.SetError("no credentials available")
		return s, false, fmt.Errorf("create session %s: %w", spec.TabID, ErrNoCredentials)
	}

	if err := m.spawn(ctx, s, spec.ResumeSessionID, ""); err != nil {
		s.SetError(err.Error())
		if m.notifier != nil {
			m.notifier.SessionError(s.TabID, err.Error())
		}
		return s, false, fmt.Errorf("start subprocess for tab %s: %w", spec.TabID, err)
	}
	s.SetState(StateReady)
	return s, false, nil
}

// respawn restarts the subprocess of a session that lost it, either to a
// spawn failure or a subprocess exit. Credentials sent with the retry refresh
// the route first; a session that captured a CLI session id resumes it.
func (m *Manager) respawn(ctx context.Context, s *Session, spec CreateSpec) error {
	creds := spec.Credentials
	if creds == nil {
		if global, ok := m.Credentials(); ok {
			creds = &global
		}
	}
	if creds == nil {
		s.SetError("no credentials available")
		return fmt.Errorf("create session %s: %w", spec.TabID, ErrNoCredentials)
	}
	m.routes.Register(s.RouteToken, creds.ToRouteConfig())

	resume := spec.ResumeSessionID
	if resume == "" {
		resume = s.ClaudeSessionID()
	}
	if err := m.spawn(ctx, s, resume, ""); err != nil {
		s.SetError(err.Error())
		if m.notifier != nil {
			m.notifier.SessionError(s.TabID, err.Error())
		}
		return fmt.Errorf("start subprocess for tab %s: %w", spec.TabID, err)
	}
	s.SetState(StateReady)
	m.logger.Info("Session subprocess respawned",
		"session_id", s.ID, "tab_id", s.TabID, "resume", resume != "")
	return nil
}

// spawn starts the subprocess for a session and begins pumping its events.
func (m *Manager) spawn(ctx context.Context, s *Session, resumeSessionID, resumeAtUUID string) error {
	agentCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a, err := m.factory.Create(agentCtx, AgentSpec{
		TabID:               s.TabID,
		Workdir:             s.Workdir,
		SystemPrompt:        s.SystemPrompt,
		PermissionMode:      s.PermissionModeValue(),
		RouteToken:          s.RouteToken,
		ResumeSessionID:     resumeSessionID,
		ResumeAtMessageUUID: resumeAtUUID,
		Permissions:         s.Permissions,
	})
	if err != nil {
		cancel()
		return err
	}
	s.BindAgent(a, cancel)
	go m.pumpEvents(s, a)
	return nil
}

// pumpEvents is the sole producer of claude_event frames for its session: it
// drains the subprocess stream in order until EOF.
func (m *Manager) pumpEvents(s *Session, a Agent) {
	for ev := range a.Events() {
		if s.ClaudeSessionID() == "" {
			if id := a.SessionID(); id != "" {
				s.SetClaudeSessionID(id)
			}
		}
		s.Touch()
		data := ev
		m.Send(s, func(seq uint64) any {
			return models.ClaudeEventFrame{
				Type:  models.FrameTypeClaudeEvent,
				TabID: s.TabID,
				Data:  data,
				Seq:   seq,
			}
		})
	}

	// EOF. If the session still considers this agent attached, the exit was
	// not initiated by us.
	if s.Agent() == a {
		s.ReleaseAgent()
		if s.State().Live() {
			m.logger.Warn("Subprocess exited unexpectedly",
				"session_id", s.ID, "tab_id", s.TabID)
			s.SetError("subprocess exited")
			if m.notifier != nil {
				m.notifier.SessionError(s.TabID, "subprocess exited")
			}
		}
	}
}

// Send allocates the next outbound seq, builds the frame around it, appends
// it to the buffer and fans it out. No live connection is not an error: the
// frame stays buffered for replay.
func (m *Manager) Send(s *Session, build func(seq uint64) any) (succeeded, failed int) {
	seq := s.Acks.NextSeq()
	frame := build(seq)
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("Failed to marshal outbound frame", "session_id", s.ID, "error", err)
		return 0, 0
	}
	if evictedUnacked := s.Buffer.Append(seq, data); evictedUnacked {
		m.logger.Error("Buffer overrun evicted an unacknowledged frame",
			"session_id", s.ID, "tab_id", s.TabID, "seq", seq)
	}
	m.countFrameOut(data)
	if m.fanout == nil {
		return 0, 0
	}
	return m.fanout.SendToSession(s.ID, data)
}

// SendTransient sends a frame that is sequenced but never buffered: acks and
// sync_status markers, whose re-delivery after a reconnect would be stale.
func (m *Manager) SendTransient(s *Session, build func(seq uint64) any) (succeeded, failed int) {
	seq := s.Acks.NextTransientSeq()
	data, err := json.Marshal(build(seq))
	if err != nil {
		m.logger.Error("Failed to marshal transient frame", "session_id", s.ID, "error", err)
		return 0, 0
	}
	m.countFrameOut(data)
	if m.fanout == nil {
		return 0, 0
	}
	return m.fanout.SendToSession(s.ID, data)
}

// SendBatch carries a slice of history events in one claude_event_batch
// frame; used exclusively by the conversation-load path.
func (m *Manager) SendBatch(s *Session, events []json.RawMessage) (succeeded, failed int) {
	return m.Send(s, func(seq uint64) any {
		return models.ClaudeEventBatchFrame{
			Type:  models.FrameTypeClaudeEventBatch,
			TabID: s.TabID,
			Data:  events,
			Seq:   seq,
		}
	})
}

// AckOutbound applies a cumulative client ack to both the engine and the
// buffer's ack flags.
func (m *Manager) AckOutbound(s *Session, seq uint64) int {
	settled := s.Acks.AckFromClient(seq)
	s.Buffer.AckUpTo(seq)
	return settled
}

// MarkActive transitions a session to active; called when a connection
// attaches.
func (m *Manager) MarkActive(s *Session) {
	if s.State() == StateTerminated {
		return
	}
	s.SetState(StateActive)
}

// HandleDetached is invoked with the sessions a removed connection served.
// A session with no remaining connections goes inactive; its route and
// subprocess stay alive for reconnect.
func (m *Manager) HandleDetached(sessionIDs []string) {
	for _, id := range sessionIDs {
		s, ok := m.GetByID(id)
		if !ok {
			continue
		}
		if m.fanout != nil && m.fanout.ConnectionCount(id) > 0 {
			continue
		}
		if s.State() == StateActive {
			s.SetState(StateInactive)
			m.logger.Info("Session inactive, last connection gone",
				"session_id", s.ID, "tab_id", s.TabID)
		}
	}
}

// Replay re-delivers every buffered frame past the client's last ack to one
// connection, bracketed by sync_status markers. lastReceived, when present,
// is the reconnect frame's last_received_seq and advances the persistent
// outbound ack state before the replay window is computed. Inbound tracking
// is the caller's concern: only a genuinely new connection resets it.
func (m *Manager) Replay(s *Session, connectionID string, lastReceived *uint64) {
	if lastReceived != nil {
		m.AckOutbound(s, *lastReceived)
	}

	missed := s.Buffer.Since(s.Acks.ClientLastAcked())
	report := s.Acks.Report()

	m.sendMarker(s, connectionID, models.SyncState{
		IsSynced:       false,
		BrokerToClient: uint64(report.PendingOutbound),
		ClientToBroker: uint64(report.BufferedInbound),
	}, len(missed))

	replayed := 0
	for _, msg := range missed {
		if err := m.fanout.SendToConnection(connectionID, msg.Content); err != nil {
			m.logger.Warn("Replay delivery failed",
				"session_id", s.ID, "connection_id", connectionID, "seq", msg.Seq, "error", err)
			break
		}
		replayed++
	}
	m.metrics.ReplayedFrames.Add(float64(replayed))

	m.sendMarker(s, connectionID, models.SyncState{IsSynced: true}, 0)

	m.logger.Info("Replay complete",
		"session_id", s.ID, "tab_id", s.TabID,
		"missed", len(missed), "replayed", replayed)
}

func (m *Manager) sendMarker(s *Session, connectionID string, sync models.SyncState, missed int) {
	if m.fanout == nil {
		return
	}
	frame := models.SyncStatusFrame{
		Type:        models.FrameTypeSyncStatus,
		TabID:       s.TabID,
		Sync:        sync,
		MissedCount: missed,
		Seq:         s.Acks.NextTransientSeq(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	m.countFrameOut(data)
	if err := m.fanout.SendToConnection(connectionID, data); err != nil {
		m.logger.Warn("Sync marker delivery failed",
			"session_id", s.ID, "connection_id", connectionID, "error", err)
	}
}

// Branch restarts the session's subprocess, resuming the original CLI
// conversation at the given message; used by edit_message.
func (m *Manager) Branch(ctx context.Context, s *Session, messageUUID string) error {
	cliSessionID := s.ClaudeSessionID()
	if cliSessionID == "" {
		_, original := s.BranchPoint()
		cliSessionID = original
	}
	if cliSessionID == "" {
		return fmt.Errorf("branch tab %s: %w", s.TabID, ErrNoAgent)
	}
	s.MarkBranch(messageUUID, cliSessionID)

	// Detach before closing so the event pump sees a deliberate stop, not a
	// crash.
	if a := s.ReleaseAgent(); a != nil {
		if err := a.Close(); err != nil {
			m.logger.Warn("Subprocess close before branch failed",
				"session_id", s.ID, "error", err)
		}
	}

	if err := m.spawn(ctx, s, cliSessionID, messageUUID); err != nil {
		s.SetError(err.Error())
		return fmt.Errorf("branch tab %s: %w", s.TabID, err)
	}
	s.SetState(StateActive)
	m.logger.Info("Session branched",
		"session_id", s.ID, "tab_id", s.TabID,
		"resume_session_id", cliSessionID, "message_uuid", messageUUID)
	return nil
}

// Destroy tears a session down: route unregistered, connections closed,
// buffer cleared, subprocess terminated, pending permissions denied, indexes
// dropped.
func (m *Manager) Destroy(tabID string, reason string) error {
	s, ok := m.Get(tabID)
	if !ok {
		return fmt.Errorf("destroy tab %s: %w", tabID, ErrSessionNotFound)
	}

	m.mu.Lock()
	delete(m.byTab, s.TabID)
	delete(m.byID, s.ID)
	m.mu.Unlock()

	s.SetState(StateTerminated)
	m.routes.Unregister(s.RouteToken)
	s.Permissions.DenyPending(s.TabID, "session closed")

	if a := s.ReleaseAgent(); a != nil {
		if err := a.Close(); err != nil {
			m.logger.Warn("Subprocess close failed", "session_id", s.ID, "error", err)
		}
	}

	if m.fanout != nil {
		m.fanout.CloseSessionConnections(s.ID)
	}
	s.Buffer.Clear()
	m.metrics.ActiveSessions.Dec()

	m.logger.Info("Session destroyed",
		"session_id", s.ID, "tab_id", s.TabID, "reason", reason)
	return nil
}

// Shutdown destroys every session; used on process exit. Subprocess close
// waits out the exit grace, so sessions tear down in parallel.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	tabs := make([]string, 0, len(m.byTab))
	for tab := range m.byTab {
		tabs = append(tabs, tab)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, tab := range tabs {
		g.Go(func() error {
			if err := m.Destroy(tab, "shutdown"); err != nil && !errors.Is(err, ErrSessionNotFound) {
				m.logger.Warn("Session destroy during shutdown failed", "tab_id", tab, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// AgentCount returns how many sessions have a subprocess attached.
func (m *Manager) AgentCount() int {
	n := 0
	for _, s := range m.Sessions() {
		if s.Agent() != nil {
			n++
		}
	}
	return n
}

// Snapshot builds the per-session diagnostics slice for the status surfaces.
func (m *Manager) Snapshot() []models.SessionStatus {
	sessions := m.Sessions()
	out := make([]models.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		report := s.Acks.Report()
		conns := 0
		if m.fanout != nil {
			conns = m.fanout.ConnectionCount(s.ID)
		}
		out = append(out, models.SessionStatus{
			TabID:          s.TabID,
			SessionID:      s.ID,
			State:          string(s.State()),
			Connections:    conns,
			PendingFrames:  report.PendingOutbound,
			BufferedFrames: s.Buffer.Len(),
			LastActivity:   s.LastActivity().UTC().Format(time.RFC3339),
		})
	}
	return out
}

// countFrameOut records the outbound frame type without re-unmarshalling the
// whole frame.
func (m *Manager) countFrameOut(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Type != "" {
		m.metrics.FramesOut.WithLabelValues(probe.Type).Inc()
	}
}

// arbiterMode maps the CLI-facing permission mode onto the broker arbiter's
// mode: bypassPermissions auto-allows, everything else prompts the client
// when the CLI asks.
func arbiterMode(cliMode string) permission.Mode {
	if cliMode == "bypassPermissions" {
		return permission.ModeAllow
	}
	return permission.ModePrompt
}

// SetPermissionMode updates both the CLI-facing mode recorded on the session
// and the arbiter mode derived from it.
func (m *Manager) SetPermissionMode(s *Session, mode string) {
	s.SetPermissionModeValue(mode)
	s.Permissions.SetMode(arbiterMode(mode))
}
