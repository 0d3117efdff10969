package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/metrics"
	"github.com/codeready-toolchain/gantry/pkg/models"
)

// FrameHandler consumes decoded-enough inbound frames. Implemented by the
// broker's dispatch layer.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn *Connection, data []byte)
}

// Manager tracks live connections and their session attachments. A single
// mutex guards both maps; socket I/O always happens outside it so a slow
// peer cannot stall accepts or other sessions' sends.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	maxFrameBytes int64
	writeTimeout  time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxPerSession int

	mu        sync.Mutex
	conns     map[string]*Connection
	bySession map[string]map[string]struct{}
	byConn    map[string]map[string]struct{}

	// onDetach is told which sessions a removed connection served, so the
	// session layer can decide which of them went inactive.
	onDetach func(sessionIDs []string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds the connection registry from the server config section.
func NewManager(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *Manager {
	return &Manager{
		logger:        logger.With("component", "transport"),
		metrics:       collector,
		maxFrameBytes: cfg.Server.MaxFrameBytes,
		writeTimeout:  cfg.Server.WriteTimeout,
		idleTimeout:   cfg.Server.IdleConnectionTimeout,
		sweepInterval: cfg.Server.SweepInterval,
		maxPerSession: cfg.Sessions.MaxConnectionsPerSession,
		conns:         make(map[string]*Connection),
		bySession:     make(map[string]map[string]struct{}),
		byConn:        make(map[string]map[string]struct{}),
	}
}

// SetDetachListener installs the session-layer callback invoked after a
// connection is removed. Set once during wiring.
func (m *Manager) SetDetachListener(fn func(sessionIDs []string)) {
	m.onDetach = fn
}

// HandleConnection registers the socket, sends the greeting and runs the
// read loop until the connection closes. Called by the WebSocket HTTP
// handler after upgrade; blocks for the connection's lifetime.
func (m *Manager) HandleConnection(parentCtx context.Context, sock *websocket.Conn, clientInfo map[string]string, handler FrameHandler) {
	sock.SetReadLimit(m.maxFrameBytes)

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:           uuid.New().String(),
		ConnectedAt:  time.Now(),
		ClientInfo:   clientInfo,
		sock:         sock,
		cancel:       cancel,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	m.conns[c.ID] = c
	m.byConn[c.ID] = make(map[string]struct{})
	m.mu.Unlock()
	m.metrics.ActiveConnections.Inc()
	m.logger.Info("Connection established", "connection_id", c.ID, "remote", clientInfo["remote_addr"])

	defer func() {
		affected := m.Remove(c.ID)
		if m.onDetach != nil && len(affected) > 0 {
			m.onDetach(affected)
		}
	}()

	greeting, err := json.Marshal(models.NewGreeting(c.ID))
	if err == nil {
		if err := c.write(greeting, m.writeTimeout); err != nil {
			m.logger.Warn("Greeting send failed", "connection_id", c.ID, "error", err)
			return
		}
	}

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			m.logger.Info("Connection closed", "connection_id", c.ID, "error", err)
			return
		}
		c.touch()
		handler.HandleFrame(ctx, c, data)
	}
}

// Attach associates a connection with a session, additively, and reports
// whether the association is new. Re-attaching an already attached pair is a
// no-op returning false. When the session already has the maximum number of
// connections, the oldest is closed asynchronously after the registry lock
// is released.
func (m *Manager) Attach(connectionID, sessionID string) bool {
	var evict *Connection

	m.mu.Lock()
	if _, ok := m.conns[connectionID]; !ok {
		m.mu.Unlock()
		return false
	}
	set, ok := m.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.bySession[sessionID] = set
	}
	_, already := set[connectionID]
	if !already && m.maxPerSession > 0 && len(set) >= m.maxPerSession {
		var oldest *Connection
		for id := range set {
			c := m.conns[id]
			if c == nil {
				continue
			}
			if oldest == nil || c.ConnectedAt.Before(oldest.ConnectedAt) {
				oldest = c
			}
		}
		evict = oldest
	}
	set[connectionID] = struct{}{}
	m.byConn[connectionID][sessionID] = struct{}{}
	m.mu.Unlock()

	if evict != nil {
		m.logger.Info("Evicting oldest connection, session at capacity",
			"session_id", sessionID, "connection_id", evict.ID)
		go evict.close(websocket.StatusPolicyViolation, "connection limit reached")
	}
	return !already
}

// Detach removes one connection<->session association.
func (m *Manager) Detach(connectionID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.bySession[sessionID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(m.bySession, sessionID)
		}
	}
	if set, ok := m.byConn[connectionID]; ok {
		delete(set, sessionID)
	}
}

// Remove closes the socket, drops the connection from the registry and
// detaches it everywhere. Returns the sessions it served, sorted, so the
// caller can transition the now-connectionless ones.
func (m *Manager) Remove(connectionID string) []string {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, connectionID)

	affected := make([]string, 0, len(m.byConn[connectionID]))
	for sessionID := range m.byConn[connectionID] {
		affected = append(affected, sessionID)
		if set, ok := m.bySession[sessionID]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(m.bySession, sessionID)
			}
		}
	}
	delete(m.byConn, connectionID)
	m.mu.Unlock()

	c.close(websocket.StatusNormalClosure, "removed")
	m.metrics.ActiveConnections.Dec()
	sort.Strings(affected)
	return affected
}

// SendToSession fans one serialized frame to every connection of a session.
// Failed deliveries are counted and the offending connections are closed so
// their read loops exit and clean up. Returning (0, 0) means no connection
// was attached, which callers treat as "stay buffered", not as failure.
func (m *Manager) SendToSession(sessionID string, frame []byte) (succeeded, failed int) {
	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		if c, ok := m.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		if err := c.write(frame, m.writeTimeout); err != nil {
			failed++
			m.logger.Warn("Frame delivery failed, closing connection",
				"connection_id", c.ID, "session_id", sessionID, "error", err)
			go c.close(websocket.StatusAbnormalClosure, "write failed")
			continue
		}
		c.touch()
		succeeded++
	}
	return succeeded, failed
}

// SendToConnection delivers one frame to a single connection.
func (m *Manager) SendToConnection(connectionID string, frame []byte) error {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	m.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	if err := c.write(frame, m.writeTimeout); err != nil {
		go c.close(websocket.StatusAbnormalClosure, "write failed")
		return err
	}
	c.touch()
	return nil
}

// ConnectionCount reports the live connections attached to a session.
func (m *Manager) ConnectionCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession[sessionID])
}

// ActiveConnections returns the total number of live connections.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SessionIDs returns the sessions a connection currently serves.
func (m *Manager) SessionIDs(connectionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byConn[connectionID]))
	for id := range m.byConn[connectionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseSessionConnections closes every connection serving the session; the
// read loops handle registry cleanup.
func (m *Manager) CloseSessionConnections(sessionID string) {
	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		if c, ok := m.conns[id]; ok && len(m.byConn[id]) == 1 {
			// Only close sockets dedicated to this session; shared ones
			// keep serving their other tabs.
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.close(websocket.StatusNormalClosure, "session closed")
	}
}

// CloseConnection closes one connection; used by the shutdown frame.
func (m *Manager) CloseConnection(connectionID string, reason string) {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	m.mu.Unlock()
	if ok {
		c.close(websocket.StatusNormalClosure, reason)
	}
}

// CloseAll closes every live connection; used on process shutdown. Each
// close unblocks that connection's read loop, which runs the removal path.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	list := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		list = append(list, c)
	}
	m.mu.Unlock()
	for _, c := range list {
		c.close(websocket.StatusGoingAway, reason)
	}
}

// Start launches the dead-connection sweep.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
	m.logger.Info("Connection sweep started",
		"interval", m.sweepInterval, "idle_timeout", m.idleTimeout)
}

// Stop cancels the sweep and waits for it to finish.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Connection sweep stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	if m.sweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle closes connections whose last activity is older than the idle
// threshold. Closing makes their read loops exit, which runs the normal
// removal path. Disabled when no idle timeout is configured: the client
// drives heartbeats, the server never pings.
func (m *Manager) sweepIdle() {
	if m.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	stale := make([]*Connection, 0)
	for _, c := range m.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		m.logger.Info("Closing idle connection", "connection_id", c.ID)
		c.close(websocket.StatusGoingAway, "idle timeout")
	}
}
