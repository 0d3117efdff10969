package config

import "fmt"

// validate performs a sanity pass over the resolved configuration.
// It runs after defaults are merged, so every section is non-nil.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
	}
	if cfg.Proxy.Port <= 0 || cfg.Proxy.Port > 65535 {
		return NewValidationError("proxy", "port", fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Proxy.Port))
	}
	if cfg.Server.MaxFrameBytes <= 0 {
		return NewValidationError("server", "max_frame_bytes", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Server.WriteTimeout <= 0 {
		return NewValidationError("server", "write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Proxy.UpstreamTimeout <= 0 {
		return NewValidationError("proxy", "upstream_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Buffer.Capacity <= 0 {
		return NewValidationError("buffer", "capacity", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Buffer.RetentionFloor < 0 {
		return NewValidationError("buffer", "retention_floor", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if cfg.Buffer.RetentionFloor > cfg.Buffer.Capacity {
		return NewValidationError("buffer", "retention_floor",
			fmt.Errorf("%w: floor %d exceeds capacity %d", ErrInvalidValue, cfg.Buffer.RetentionFloor, cfg.Buffer.Capacity))
	}
	if cfg.Sessions.MaxConnectionsPerSession <= 0 {
		return NewValidationError("sessions", "max_connections_per_session", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Permissions.CacheTTL <= 0 {
		return NewValidationError("permissions", "cache_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Notifier.Enabled && cfg.Notifier.Channel == "" {
		return NewValidationError("notifier", "channel", fmt.Errorf("%w: required when notifier is enabled", ErrInvalidValue))
	}
	return nil
}
