// ABOUTME: Default configuration values and an example config template.
// ABOUTME: Used by the init subcommand and as fallbacks at daemon startup.

package config

import "time"

// Defaults applied when the config file leaves a field unset.
const (
	DefaultHTTPAddr          = "127.0.0.1:8420"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultHeartbeatInterval = 15 * time.Second
)

// ApplyDefaults fills in zero-valued fields. Load does not call this; the
// daemon applies defaults after loading so tests can see raw parse results.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// ExampleYAML is the config template written by the init subcommand.
const ExampleYAML = `# loom-gateway configuration

server:
  # TCP transport for NDJSON clients. Leave empty to disable.
  tcp_addr: "127.0.0.1:8421"
  # HTTP server hosting the SSE and WebSocket transports.
  http_addr: "127.0.0.1:8420"
  # Unix domain socket for local clients. Leave empty to disable.
  unix_socket: ""

auth:
  # One of: none, token, jwt
  policy: none
  # token: "${LOOM_TOKEN}"
  # jwt_secret: "${LOOM_JWT_SECRET}"

apps:
  # App used for session keys without an app prefix.
  default: echo

storage:
  enabled: false
  # path: "~/.loom/sessions.db"

logging:
  level: info
  format: text

stream:
  heartbeat_interval: 15s
`
