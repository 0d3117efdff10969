package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single configuration file loaded from the config dir.
const ConfigFileName = "gantry.yaml"

// gantryYAMLConfig mirrors the gantry.yaml file structure. All sections are
// optional; absent sections fall back entirely to built-in defaults.
type gantryYAMLConfig struct {
	Server      *ServerConfig     `yaml:"server"`
	Proxy       *ProxyConfig      `yaml:"proxy"`
	Sessions    *SessionConfig    `yaml:"sessions"`
	Buffer      *BufferConfig     `yaml:"buffer"`
	Permissions *PermissionConfig `yaml:"permissions"`
	Notifier    *notifierYAML     `yaml:"notifier"`
	History     *HistoryConfig    `yaml:"history"`
}

// notifierYAML uses a pointer for Enabled so "absent" and "false" are
// distinguishable.
type notifierYAML struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load gantry.yaml from configDir (missing file is fine: pure defaults)
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"server_port", cfg.Server.Port,
		"proxy_port", cfg.Proxy.Port,
		"buffer_capacity", cfg.Buffer.Capacity,
		"notifier_enabled", cfg.Notifier.Enabled)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var user gantryYAMLConfig
	if err := loadYAML(filepath.Join(configDir, ConfigFileName), &user); err != nil {
		// A missing file means a pure-defaults run; anything else is fatal.
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError(ConfigFileName, err)
		}
		slog.Info("No configuration file found, using built-in defaults")
	}

	cfg := &Config{
		configDir:   configDir,
		Server:      DefaultServerConfig(),
		Proxy:       DefaultProxyConfig(),
		Sessions:    DefaultSessionConfig(),
		Buffer:      DefaultBufferConfig(),
		Permissions: DefaultPermissionConfig(),
		Notifier:    DefaultNotifierConfig(),
		History:     DefaultHistoryConfig(),
	}

	// Merge user-provided sections into defaults (non-zero values override).
	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"server", cfg.Server, user.Server},
		{"proxy", cfg.Proxy, user.Proxy},
		{"sessions", cfg.Sessions, user.Sessions},
		{"buffer", cfg.Buffer, user.Buffer},
		{"permissions", cfg.Permissions, user.Permissions},
		{"history", cfg.History, user.History},
	}
	for _, s := range sections {
		if isNilSection(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}

	resolveNotifier(cfg.Notifier, user.Notifier)

	return cfg, nil
}

func isNilSection(src any) bool {
	switch v := src.(type) {
	case *ServerConfig:
		return v == nil
	case *ProxyConfig:
		return v == nil
	case *SessionConfig:
		return v == nil
	case *BufferConfig:
		return v == nil
	case *PermissionConfig:
		return v == nil
	case *HistoryConfig:
		return v == nil
	default:
		return src == nil
	}
}

func resolveNotifier(dst *NotifierConfig, src *notifierYAML) {
	if src == nil {
		return
	}
	if src.Enabled != nil {
		dst.Enabled = *src.Enabled
	}
	if src.TokenEnv != "" {
		dst.TokenEnv = src.TokenEnv
	}
	if src.Channel != "" {
		dst.Channel = src.Channel
	}
}

func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}
