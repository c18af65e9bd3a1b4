package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
# comments are stripped before decoding
sessions:
  command: /usr/local/bin/mcp-server
  args: ["--stdio"]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Upstream.Kind != UpstreamLocal || cfg.Store.Backend != StoreMemory || cfg.Tokens.Format != TokenFormatJWT {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sessions.IdleTimeout != 30*time.Minute {
		t.Fatalf("expected 30m idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.MCPPath() != "/mcp" {
		t.Fatalf("unexpected MCP path %q", cfg.MCPPath())
	}
	if cfg.ResourceURL() != "http://127.0.0.1:8080/mcp" {
		t.Fatalf("unexpected resource URL %q", cfg.ResourceURL())
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
sessions:
  command: server
  comand_typo: x
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
sessions:
  command: server
`)
	t.Setenv("MCPGATE_TOKENS_FORMAT", "opaque")
	t.Setenv("MCPGATE_SESSIONS_IDLE_TIMEOUT", "5m")
	t.Setenv("MCPGATE_MCP_PATH_SECRET", "s3cr3t")
	t.Setenv("MCPGATE_METRICS_ENABLED", "false")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tokens.Format != TokenFormatOpaque {
		t.Fatalf("expected opaque tokens, got %q", cfg.Tokens.Format)
	}
	if cfg.Sessions.IdleTimeout != 5*time.Minute {
		t.Fatalf("expected 5m idle timeout, got %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.MCPPath() != "/s3cr3t/mcp" {
		t.Fatalf("unexpected MCP path %q", cfg.MCPPath())
	}
	if cfg.Metrics.Enabled {
		t.Fatalf("metrics should be disabled")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Sessions.Command = "server"
		return cfg
	}
	production := func() Config {
		cfg := valid()
		cfg.Server.DevMode = false
		cfg.Server.PublicURL = "https://gw.example.com"
		cfg.Upstream = UpstreamConfig{Kind: UpstreamKeyExchange, AuthURL: "https://idp.example.com/auth", ExchangeURL: "https://idp.example.com/exchange"}
		cfg.MCP.PathSecret = "0123456789abcdef"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("dev config should validate: %v", err)
	}
	if err := production().Validate(); err != nil {
		t.Fatalf("production config should validate: %v", err)
	}

	cases := []struct {
		name   string
		build  func() Config
		mutate func(*Config)
		want   string
	}{
		{"public url scheme", valid, func(c *Config) { c.Server.PublicURL = "gw.example.com" }, "public_url"},
		{"missing command", valid, func(c *Config) { c.Sessions.Command = "" }, "sessions.command"},
		{"token format", valid, func(c *Config) { c.Tokens.Format = "paseto" }, "tokens.format"},
		{"short secret", valid, func(c *Config) { c.Tokens.SigningSecret = "short" }, "signing_secret"},
		{"store backend", valid, func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis addr", valid, func(c *Config) { c.Store.Backend = StoreRedis }, "store.redis.addr"},
		{"path secret slash", valid, func(c *Config) { c.MCP.PathSecret = "a/b" }, "path_secret"},
		{"upstream kind", valid, func(c *Config) { c.Upstream.Kind = "saml" }, "upstream.kind"},
		{"oidc issuer", valid, func(c *Config) { c.Upstream = UpstreamConfig{Kind: UpstreamOIDC, ClientID: "x"} }, "upstream.issuer"},
		{"local in production", production, func(c *Config) { c.Upstream.Kind = UpstreamLocal }, "dev mode"},
		{"short path secret in production", production, func(c *Config) { c.MCP.PathSecret = "short" }, "path_secret"},
		{"tls domains in production", production, func(c *Config) { c.Server.TLS.Domains = nil }, "tls.domains"},
		{"http redirect in production", production, func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "a", RedirectURIs: []string{"http://app.example.com/cb"}}}
		}, "https"},
		{"fragment redirect", valid, func(c *Config) {
			c.Clients = []ClientConfig{{ClientID: "a", RedirectURIs: []string{"https://app.example.com/cb#frag"}}}
		}, "fragment"},
		{"negative rate", valid, func(c *Config) { c.RateLimit.Burst = -1 }, "rate_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.build()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}

	loopback := production()
	loopback.Clients = []ClientConfig{{ClientID: "cli", RedirectURIs: []string{"http://127.0.0.1:33418/callback"}}}
	if err := loopback.Validate(); err != nil {
		t.Fatalf("loopback http redirect should be allowed: %v", err)
	}
}

func TestCORSOriginsFallBackToRedirects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = []ClientConfig{
		{ClientID: "a", RedirectURIs: []string{"https://app.example.com/cb", "https://app.example.com/other"}},
		{ClientID: "b", RedirectURIs: []string{"http://localhost:3000/cb"}},
	}
	got := cfg.CORSOrigins()
	if len(got) != 2 || got[0] != "https://app.example.com" || got[1] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", got)
	}

	cfg.Server.CORS.AllowedOrigins = []string{"https://explicit.example.com"}
	if got := cfg.CORSOrigins(); len(got) != 1 || got[0] != "https://explicit.example.com" {
		t.Fatalf("explicit origins should win, got %v", got)
	}
}
