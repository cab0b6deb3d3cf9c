// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the gateway's environment-driven configuration. Defaults are
// carried in the struct tags.
type Config struct {
	// ListenAddr is the local bind address. ENV: GATEWAY_LISTEN_ADDR
	ListenAddr string `env:"GATEWAY_LISTEN_ADDR,default=127.0.0.1:8080"`

	// PublicEndpoint is the externally visible endpoint URL, e.g.
	// https://mcp.example.com/mcp. ENV: GATEWAY_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"GATEWAY_PUBLIC_ENDPOINT,required"`

	// Issuer is the identity provider's issuer URL. ENV: GATEWAY_ISSUER
	Issuer string `env:"GATEWAY_ISSUER,required"`

	// JWKSURL overrides the key set location. Empty derives it from the
	// issuer. ENV: GATEWAY_JWKS_URL
	JWKSURL string `env:"GATEWAY_JWKS_URL"`

	// AllowedClientIDs is the comma-separated client-id allow list.
	// ENV: GATEWAY_ALLOWED_CLIENT_IDS
	AllowedClientIDs []string `env:"GATEWAY_ALLOWED_CLIENT_IDS,required"`

	// RequiredScopes every token must carry. ENV: GATEWAY_REQUIRED_SCOPES
	RequiredScopes []string `env:"GATEWAY_REQUIRED_SCOPES"`

	// AllowedAlgs is the signing algorithm allow list.
	// ENV: GATEWAY_ALLOWED_ALGS
	AllowedAlgs []string `env:"GATEWAY_ALLOWED_ALGS,default=RS256"`

	// ServerName is advertised in the resource metadata document.
	// ENV: GATEWAY_SERVER_NAME
	ServerName string `env:"GATEWAY_SERVER_NAME,default=MCP Gateway"`

	// ShutdownGrace bounds how long draining waits on shutdown.
	// ENV: GATEWAY_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"GATEWAY_SHUTDOWN_GRACE,default=10s"`

	// LogLevel is one of debug, info, warn, error. ENV: GATEWAY_LOG_LEVEL
	LogLevel string `env:"GATEWAY_LOG_LEVEL,default=info"`
}

// Load populates a Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// KeySetURL is the JWKS location: the override when set, otherwise the
// issuer's conventional path.
func (c *Config) KeySetURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return strings.TrimSuffix(c.Issuer, "/") + "/.well-known/jwks.json"
}

// SlogLevel maps the configured level name onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
