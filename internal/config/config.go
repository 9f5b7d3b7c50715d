// ABOUTME: Configuration loading and parsing for the loom gateway daemon.
// ABOUTME: YAML or TOML files with env-var expansion and duration parsing.

// Package config loads the gateway configuration. The configuration surface
// selects bind addresses, auth policy, default app, storage toggle, and
// logging; none of it is core routing logic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Apps    AppsConfig    `yaml:"apps" toml:"apps"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Stream  StreamConfig  `yaml:"stream" toml:"stream"`
}

// ServerConfig holds the bind addresses. Any subset may be set; a transport
// with no address is not started.
type ServerConfig struct {
	TCPAddr    string `yaml:"tcp_addr" toml:"tcp_addr"`
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`
	UnixSocket string `yaml:"unix_socket" toml:"unix_socket"`
}

// AuthConfig selects the connect validation policy.
type AuthConfig struct {
	// Policy is one of "none", "token", "jwt".
	Policy    string `yaml:"policy" toml:"policy"`
	Token     string `yaml:"token" toml:"token"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AppsConfig names the default app for bare session keys.
type AppsConfig struct {
	Default string `yaml:"default" toml:"default"`
}

// StorageConfig toggles the session-index store.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// StreamConfig holds stream timing configuration.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// Load reads a configuration file, expanding ${VAR} references against the
// environment. The extension selects the format: .toml loads as TOML,
// everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func parseDurations(cfg *Config) error {
	if cfg.Stream.HeartbeatIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.Stream.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Stream.HeartbeatIntervalRaw, err)
		}
		cfg.Stream.HeartbeatInterval = d
	}
	return nil
}

// Validate checks required fields and policy consistency.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" && c.Server.HTTPAddr == "" && c.Server.UnixSocket == "" {
		return fmt.Errorf("at least one of server.tcp_addr, server.http_addr, server.unix_socket is required")
	}

	switch c.Auth.Policy {
	case "", "none":
	case "token":
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required when auth.policy is token")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.policy is jwt")
		}
	default:
		return fmt.Errorf("unknown auth.policy %q", c.Auth.Policy)
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage.enabled is true")
	}
	return nil
}
