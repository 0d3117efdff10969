// Package routes maps opaque tokens to upstream provider configurations.
//
// Each entry is a two-slot pair (current, pending). Updates land in the
// pending slot; every read promotes pending to current first. A subprocess
// turn is a burst of HTTP requests driven by one client frame, so
// rotate-on-next-read defers credential changes to the next turn boundary
// without tracking turns explicitly.
package routes

import (
	"errors"
	"sync"

	"github.com/codeready-toolchain/gantry/pkg/models"
)

// ErrUnknownToken is returned when a catalog operation references a token
// that was never registered.
var ErrUnknownToken = errors.New("unknown route token")

type entry struct {
	current models.RouteConfig
	pending *models.RouteConfig
}

// Registry is the broker's single source of truth for upstream credentials.
// The translation proxy queries it on every request.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	// Legacy catalog surface: client-designated default tokens.
	activeToken string
	stableToken string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register installs cfg for token. For a new token the config becomes
// current immediately; for an existing token it is queued like Update.
func (r *Registry) Register(token string, cfg models.RouteConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[token]; ok {
		e.pending = &cfg
		return
	}
	r.entries[token] = &entry{current: cfg}
}

// Update queues cfg as the pending config for token. It takes effect on the
// next Get. Updating an unregistered token registers it.
func (r *Registry) Update(token string, cfg models.RouteConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		r.entries[token] = &entry{current: cfg}
		return
	}
	e.pending = &cfg
}

// Get resolves token to its route config, promoting a pending config first.
// The second result is false when the token is unknown.
func (r *Registry) Get(token string) (models.RouteConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return models.RouteConfig{}, false
	}
	if e.pending != nil {
		e.current = *e.pending
		e.pending = nil
	}
	return e.current, true
}

// Peek returns the current config without performing the swap. Diagnostics
// only; request paths must use Get.
func (r *Registry) Peek(token string) (models.RouteConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return models.RouteConfig{}, false
	}
	return e.current, true
}

// Unregister removes token. Unknown tokens are ignored.
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, token)
	if r.activeToken == token {
		r.activeToken = ""
	}
	if r.stableToken == token {
		r.stableToken = ""
	}
}

// Tokens returns every registered token. Order is unspecified.
func (r *Registry) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	return out
}

// SetActive designates token as the catalog's active route.
func (r *Registry) SetActive(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[token]; !ok {
		return ErrUnknownToken
	}
	r.activeToken = token
	return nil
}

// SetStable designates token as the catalog's stable fallback route.
func (r *Registry) SetStable(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[token]; !ok {
		return ErrUnknownToken
	}
	r.stableToken = token
	return nil
}

// List returns the catalog view for the routes frame.
func (r *Registry) List() []models.RouteInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.RouteInfo, 0, len(r.entries))
	for token, e := range r.entries {
		out = append(out, models.RouteInfo{
			Token:    token,
			Provider: string(e.current.Provider),
			Model:    e.current.Model,
			Active:   token == r.activeToken,
			Stable:   token == r.stableToken,
		})
	}
	return out
}
