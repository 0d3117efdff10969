// Package config loads and validates the broker configuration.
//
// Configuration comes from a single gantry.yaml in the config directory,
// with {{.ENV_VAR}} template expansion applied before parsing and built-in
// defaults merged underneath user values.
package config

import "time"

// Config is the fully resolved broker configuration.
type Config struct {
	configDir string

	Server      *ServerConfig
	Proxy       *ProxyConfig
	Sessions    *SessionConfig
	Buffer      *BufferConfig
	Permissions *PermissionConfig
	Notifier    *NotifierConfig
	History     *HistoryConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig controls the public broker listener and its control channel.
type ServerConfig struct {
	// Host and Port for the public API server (WebSocket control channel,
	// health, status, metrics).
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedWSOrigins lists origins accepted during the WebSocket handshake.
	// Empty means origin checking is skipped (trusted local network).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// MaxFrameBytes caps a single control-channel frame. The client batches
	// conversation loads, so this is deliberately generous.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// WriteTimeout bounds a single frame write to one client connection.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleConnectionTimeout closes connections with no activity for this
	// long. Zero disables the idle check; dead sockets are still reaped.
	IdleConnectionTimeout time.Duration `yaml:"idle_connection_timeout"`

	// SweepInterval is how often the dead-connection sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProxyConfig controls the loopback translation proxy.
type ProxyConfig struct {
	// Host must stay loopback; the proxy trusts its callers.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// UpstreamTimeout is the total per-request timeout for upstream provider
	// calls. Streams may be long; there is no per-chunk timeout.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// GeminiFallbacks maps a requested Gemini model to an ordered list of
	// models tried in sequence when the Cloud Code Assist surface answers 429.
	GeminiFallbacks map[string][]string `yaml:"gemini_fallbacks"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	// IdleTimeout destroys sessions with no activity for this long.
	// Zero disables the sweep; sessions are then never destroyed implicitly.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxConnectionsPerSession caps multi-device attach; the oldest
	// connection is evicted beyond this.
	MaxConnectionsPerSession int `yaml:"max_connections_per_session"`

	// SyncHeartbeatInterval is how often sync_status is emitted for sessions
	// with pending unacked outbound frames. Zero disables the heartbeat.
	SyncHeartbeatInterval time.Duration `yaml:"sync_heartbeat_interval"`
}

// BufferConfig controls the per-session outbound message buffer.
type BufferConfig struct {
	// Capacity is the ring bound per session. A producer outrunning the
	// consumer past this bound is a fatal-class error for the session.
	Capacity int `yaml:"capacity"`

	// GCInterval is how often the reclaim sweep runs.
	GCInterval time.Duration `yaml:"gc_interval"`

	// AckedTTL is the age past which acknowledged frames are reclaimed.
	AckedTTL time.Duration `yaml:"acked_ttl"`

	// RetentionFloor is the number of newest frames always retained
	// regardless of ack state, as a safety margin for out-of-order acks
	// and reconnect replay.
	RetentionFloor int `yaml:"retention_floor"`
}

// PermissionConfig controls permission arbitration.
type PermissionConfig struct {
	// CacheTTL is the lifetime of cached decisions in cached mode.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// NotifierConfig holds resolved Slack notification configuration.
type NotifierConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// HistoryConfig controls the read-only conversation history surface.
type HistoryConfig struct {
	// Root overrides the default ~/.claude/projects directory.
	Root string `yaml:"root"`

	// ClaudeBinary is an explicit path to the LLM-CLI binary. Empty means
	// the standard discovery order is used.
	ClaudeBinary string `yaml:"claude_binary"`
}
