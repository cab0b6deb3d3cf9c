package config

import (
	"log/slog"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GATEWAY_PUBLIC_ENDPOINT", "https://mcp.example.com/mcp")
	t.Setenv("GATEWAY_ISSUER", "https://idp.example.com/pool-1")
	t.Setenv("GATEWAY_ALLOWED_CLIENT_IDS", "client-a;client-b")
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedClientIDs) != 2 || cfg.AllowedClientIDs[1] != "client-b" {
		t.Fatalf("client ids = %v", cfg.AllowedClientIDs)
	}
	if len(cfg.AllowedAlgs) != 1 || cfg.AllowedAlgs[0] != "RS256" {
		t.Fatalf("algs = %v", cfg.AllowedAlgs)
	}
	if cfg.ShutdownGrace != 10*time.Second {
		t.Fatalf("shutdown grace = %v", cfg.ShutdownGrace)
	}
}

func TestLoad_MissingRequiredFails(t *testing.T) {
	t.Setenv("GATEWAY_PUBLIC_ENDPOINT", "https://mcp.example.com/mcp")
	t.Setenv("GATEWAY_ISSUER", "")
	t.Setenv("GATEWAY_ALLOWED_CLIENT_IDS", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing required values must fail")
	}
}

func TestConfig_KeySetURL(t *testing.T) {
	c := &Config{Issuer: "https://idp.example.com/pool-1/"}
	if got := c.KeySetURL(); got != "https://idp.example.com/pool-1/.well-known/jwks.json" {
		t.Fatalf("derived key set url = %q", got)
	}
	c.JWKSURL = "https://keys.example.com/jwks.json"
	if got := c.KeySetURL(); got != c.JWKSURL {
		t.Fatalf("override ignored, got %q", got)
	}
}

func TestConfig_SlogLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		if got := (&Config{LogLevel: name}).SlogLevel(); got != want {
			t.Fatalf("level %q = %v, want %v", name, got, want)
		}
	}
}
