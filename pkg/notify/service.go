package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"
)

const (
	// dedupWindow is how long a fingerprint suppresses repeats of itself.
	dedupWindow = 10 * time.Minute

	postTimeout = 5 * time.Second
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service delivers operator notifications. It satisfies the session layer's
// Notifier interface. Nil-safe: all methods are no-ops when the service is
// nil, so a disabled notifier costs nothing at the call sites.
type Service struct {
	client *Client
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time

	now func() time.Time
}

// NewService creates a Slack notification service. Returns nil if Token or
// Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return NewServiceWithClient(NewClient(cfg.Token, cfg.Channel))
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "notify"),
		recent: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SessionError reports a session that entered the error state.
func (s *Service) SessionError(tabID, message string) {
	if s == nil {
		return
	}
	if !s.shouldSend(fingerprint("session_error", tabID, message)) {
		return
	}
	s.post(BuildSessionErrorMessage(tabID, message), "session_error", tabID)
}

// PermissionWaiting reports an unanswered permission prompt on a session with
// no connected devices.
func (s *Service) PermissionWaiting(tabID, toolName string) {
	if s == nil {
		return
	}
	if !s.shouldSend(fingerprint("permission_waiting", tabID, toolName)) {
		return
	}
	s.post(BuildPermissionWaitingMessage(tabID, toolName), "permission_waiting", tabID)
}

// shouldSend records the fingerprint and reports whether it was outside the
// dedup window. Stale entries are dropped on the way through.
func (s *Service) shouldSend(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if sent, ok := s.recent[fp]; ok && now.Sub(sent) < dedupWindow {
		return false
	}
	for key, sent := range s.recent {
		if now.Sub(sent) >= dedupWindow {
			delete(s.recent, key)
		}
	}
	s.recent[fp] = now
	return true
}

// post delivers on its own goroutine; the caller is a broker hot path.
// Fail-open: errors are logged, never returned.
func (s *Service) post(blocks []goslack.Block, kind, tabID string) {
	go func() {
		if err := s.client.PostMessage(context.Background(), blocks, postTimeout); err != nil {
			s.logger.Error("Slack notification failed",
				"kind", kind, "tab_id", tabID, "error", err)
		}
	}()
}
