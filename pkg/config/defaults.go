package config

import "time"

// DefaultServerConfig returns the built-in public server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:                  "0.0.0.0",
		Port:                  8080,
		MaxFrameBytes:         10 << 20,
		WriteTimeout:          10 * time.Second,
		IdleConnectionTimeout: 0,
		SweepInterval:         30 * time.Second,
	}
}

// DefaultProxyConfig returns the built-in translation proxy defaults.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		Host:            "127.0.0.1",
		Port:            8787,
		UpstreamTimeout: 120 * time.Second,
		GeminiFallbacks: map[string][]string{
			"gemini-2.5-pro": {
				"gemini-2.5-pro-preview-05-06",
				"gemini-2.5-pro-preview-06-05",
				"gemini-2.5-pro",
			},
			"gemini-2.5-flash": {
				"gemini-2.5-flash-preview-05-20",
				"gemini-2.5-flash",
			},
		},
	}
}

// DefaultSessionConfig returns the built-in session lifecycle defaults.
// Idle destruction is off by default: sessions survive until the client
// shuts them down.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		IdleTimeout:              0,
		SweepInterval:            60 * time.Second,
		MaxConnectionsPerSession: 3,
		SyncHeartbeatInterval:    15 * time.Second,
	}
}

// DefaultBufferConfig returns the built-in message buffer defaults.
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		Capacity:       1000,
		GCInterval:     30 * time.Second,
		AckedTTL:       300 * time.Second,
		RetentionFloor: 100,
	}
}

// DefaultPermissionConfig returns the built-in permission defaults.
func DefaultPermissionConfig() *PermissionConfig {
	return &PermissionConfig{
		CacheTTL: 300 * time.Second,
	}
}

// DefaultNotifierConfig returns the built-in notifier defaults (disabled).
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

// DefaultHistoryConfig returns the built-in history defaults.
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{}
}
