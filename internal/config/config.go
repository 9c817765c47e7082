// Package config holds the environment-derived configuration for the bridge.
//
// All knobs are plain environment variables so the server can run unchanged
// under stdio (spawned by an MCP client) and as a long-lived multi-tenant
// HTTP service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport selects how the MCP server is exposed.
type Transport string

const (
	// TransportStdio serves MCP over stdin/stdout for a single local user.
	TransportStdio Transport = "stdio"
	// TransportHTTP serves MCP over streamable HTTP with OAuth, multiplexing
	// many bridge users.
	TransportHTTP Transport = "http"
)

// Config is the full configuration surface of the bridge.
type Config struct {
	// Upstream back-office endpoints and single-tenant credentials.
	OfficeURL string `env:"UG_OFFICE_URL" envDefault:"https://www.ugoffice.com"`
	WebURL    string `env:"UG_WEB_URL" envDefault:"https://www.ugoffice.com"`
	LiveURL   string `env:"UG_LIVE_URL" envDefault:"wss://io.ugoffice.com/socket.io/?EIO=4&transport=websocket"`
	Username  string `env:"UG_USERNAME"`
	Password  string `env:"UG_PASSWORD"`

	// Transport selection and multi-tenant listener.
	Transport Transport `env:"MCP_TRANSPORT" envDefault:"stdio"`
	Host      string    `env:"MCP_HOST" envDefault:"0.0.0.0"`
	Port      int       `env:"MCP_PORT" envDefault:"8000"`

	// OAuth authorization server settings (http transport only).
	IssuerURL       string        `env:"OAUTH_ISSUER_URL" envDefault:"http://localhost:8000"`
	AccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"24h"`
	AuthCodeTTL     time.Duration `env:"OAUTH_AUTH_CODE_TTL" envDefault:"5m"`

	// User registry file (http transport only).
	RegistryPath string `env:"USER_REGISTRY_PATH" envDefault:"data/user_registry.yaml"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("invalid MCP_TRANSPORT %q: must be %q or %q", c.Transport, TransportStdio, TransportHTTP)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid MCP_PORT %d", c.Port)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.AuthCodeTTL <= 0 {
		return fmt.Errorf("OAuth token TTLs must be positive")
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
