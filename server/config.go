package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mcpgate/session"
	"mcpgate/store"
)

// Token defaults.
const (
	DefaultAccessTTL    = time.Hour
	DefaultScope        = "mcp"
	DefaultMaxBodyBytes = 4 << 20
)

// Token formats.
const (
	TokenFormatJWT    = "jwt"
	TokenFormatOpaque = "opaque"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Upstream identity provider kinds.
const (
	UpstreamOIDC        = "oidc"
	UpstreamOAuth2      = "oauth2"
	UpstreamKeyExchange = "key_exchange"
	UpstreamLocal       = "local"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Store     StoreConfig     `yaml:"store"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	MCP       MCPConfig       `yaml:"mcp"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Clients   []ClientConfig  `yaml:"clients"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	SecretsPath       string     `yaml:"secrets_path"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	TLS               TLSConfig  `yaml:"tls"`
	CORS              CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig restricts browser origins. An empty origin list derives origins
// from the registered redirect URIs.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// UpstreamConfig describes the identity provider users authenticate with.
type UpstreamConfig struct {
	Kind            string   `yaml:"kind"`
	Issuer          string   `yaml:"issuer"`
	AuthURL         string   `yaml:"auth_url"`
	TokenURL        string   `yaml:"token_url"`
	UserinfoURL     string   `yaml:"userinfo_url"`
	ExchangeURL     string   `yaml:"exchange_url"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	Scopes          []string `yaml:"scopes"`
	UserIDField     string   `yaml:"user_id_field"`
	CredentialField string   `yaml:"credential_field"`
}

// TokensConfig controls access-token issuance.
type TokensConfig struct {
	Format         string        `yaml:"format"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	SigningSecret  string        `yaml:"signing_secret"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	Audience       string        `yaml:"audience"`
}

// StoreConfig selects the token store backend.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlite_path"`
	Redis         RedisConfig   `yaml:"redis"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SessionsConfig describes the per-session subprocess and its limits.
type SessionsConfig struct {
	Command           string        `yaml:"command"`
	Args              []string      `yaml:"args"`
	Env               []string      `yaml:"env"`
	WorkDir           string        `yaml:"work_dir"`
	CredentialEnv     string        `yaml:"credential_env"`
	UserIDEnv         string        `yaml:"user_id_env"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxLifetime       time.Duration `yaml:"max_lifetime"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	TerminateGrace    time.Duration `yaml:"terminate_grace"`
	InitializeTimeout time.Duration `yaml:"initialize_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMethods  []string      `yaml:"heartbeat_methods"`
	ProtocolVersion   string        `yaml:"protocol_version"`
}

// MCPConfig controls the protocol endpoint.
type MCPConfig struct {
	PathSecret   string `yaml:"path_secret"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// OAuthConfig controls the authorization server surface.
type OAuthConfig struct {
	ScopesSupported []string      `yaml:"scopes_supported"`
	DefaultScope    string        `yaml:"default_scope"`
	PendingTTL      time.Duration `yaml:"pending_ttl"`
}

// ClientConfig describes a pre-registered OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	ClientName   string   `yaml:"client_name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scope        string   `yaml:"scope"`
}

// RateLimitConfig bounds per-IP request rates on registration and token endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxEntries        int     `yaml:"max_entries"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Upstream: UpstreamConfig{
			Kind:            UpstreamLocal,
			Scopes:          []string{"openid", "profile", "email"},
			UserIDField:     "sub",
			CredentialField: "key",
		},
		Tokens: TokensConfig{
			Format:    TokenFormatJWT,
			AccessTTL: DefaultAccessTTL,
		},
		Store: StoreConfig{
			Backend:       StoreMemory,
			SQLitePath:    "mcpgate.db",
			SweepInterval: store.DefaultSweepInterval,
			Redis:         RedisConfig{KeyPrefix: "mcpgate:"},
		},
		Sessions: SessionsConfig{
			CredentialEnv:     session.DefaultCredentialEnv,
			UserIDEnv:         session.DefaultUserIDEnv,
			IdleTimeout:       session.DefaultIdleTimeout,
			MaxLifetime:       session.DefaultMaxLifetime,
			SweepInterval:     session.DefaultSweepInterval,
			TerminateGrace:    session.DefaultTerminateGrace,
			InitializeTimeout: 180 * time.Second,
			RequestTimeout:    120 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatMethods:  []string{"tools/call"},
		},
		MCP: MCPConfig{
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		OAuth: OAuthConfig{
			ScopesSupported: []string{DefaultScope},
			DefaultScope:    DefaultScope,
			PendingTTL:      store.DefaultPendingTTL,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             20,
			MaxEntries:        10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MCPGATE_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"MCPGATE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"MCPGATE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"MCPGATE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"MCPGATE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MCPGATE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"MCPGATE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"MCPGATE_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"MCPGATE_UPSTREAM_KIND":            func(v string) { cfg.Upstream.Kind = v },
		"MCPGATE_UPSTREAM_ISSUER":          func(v string) { cfg.Upstream.Issuer = v },
		"MCPGATE_UPSTREAM_CLIENT_ID":       func(v string) { cfg.Upstream.ClientID = v },
		"MCPGATE_UPSTREAM_CLIENT_SECRET":   func(v string) { cfg.Upstream.ClientSecret = v },
		"MCPGATE_UPSTREAM_EXCHANGE_URL":    func(v string) { cfg.Upstream.ExchangeURL = v },
		"MCPGATE_TOKENS_FORMAT":            func(v string) { cfg.Tokens.Format = v },
		"MCPGATE_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"MCPGATE_TOKENS_SIGNING_SECRET":    func(v string) { cfg.Tokens.SigningSecret = v },
		"MCPGATE_STORE_BACKEND":            func(v string) { cfg.Store.Backend = v },
		"MCPGATE_STORE_SQLITE_PATH":        func(v string) { cfg.Store.SQLitePath = v },
		"MCPGATE_STORE_REDIS_ADDR":         func(v string) { cfg.Store.Redis.Addr = v },
		"MCPGATE_STORE_REDIS_PASSWORD":     func(v string) { cfg.Store.Redis.Password = v },
		"MCPGATE_STORE_REDIS_DB":           func(v string) { cfg.Store.Redis.DB = parseInt(v, cfg.Store.Redis.DB) },
		"MCPGATE_SESSIONS_COMMAND":         func(v string) { cfg.Sessions.Command = v },
		"MCPGATE_SESSIONS_IDLE_TIMEOUT":    func(v string) { cfg.Sessions.IdleTimeout = parseDuration(v, cfg.Sessions.IdleTimeout) },
		"MCPGATE_SESSIONS_MAX_LIFETIME":    func(v string) { cfg.Sessions.MaxLifetime = parseDuration(v, cfg.Sessions.MaxLifetime) },
		"MCPGATE_MCP_PATH_SECRET":          func(v string) { cfg.MCP.PathSecret = v },
		"MCPGATE_METRICS_ENABLED":          func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if err := c.validateUpstream(); err != nil {
		return err
	}

	switch c.Tokens.Format {
	case TokenFormatJWT, TokenFormatOpaque:
	default:
		slog.Error("Invalid token format", "field", "tokens.format", "value", c.Tokens.Format)
		return fmt.Errorf("tokens.format must be %q or %q, got: %s", TokenFormatJWT, TokenFormatOpaque, c.Tokens.Format)
	}
	if c.Tokens.AccessTTL <= 0 {
		slog.Error("Invalid access token lifetime", "field", "tokens.access_ttl", "value", c.Tokens.AccessTTL)
		return errors.New("tokens.access_ttl must be positive")
	}
	if c.Tokens.SigningSecret != "" && len(c.Tokens.SigningSecret) < 32 {
		slog.Error("Signing secret too short", "field", "tokens.signing_secret", "min_length", 32)
		return errors.New("tokens.signing_secret must be at least 32 characters")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			slog.Error("Missing required configuration", "field", "store.sqlite_path")
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "store.redis.addr")
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		slog.Error("Invalid store backend", "field", "store.backend", "value", c.Store.Backend)
		return fmt.Errorf("store.backend must be memory, sqlite or redis, got: %s", c.Store.Backend)
	}

	if c.Sessions.Command == "" {
		slog.Error("Missing required configuration", "field", "sessions.command")
		return errors.New("sessions.command is required")
	}
	if c.MCP.PathSecret != "" && strings.Contains(c.MCP.PathSecret, "/") {
		slog.Error("Invalid MCP path secret", "field", "mcp.path_secret", "reason", "must be a single path segment")
		return errors.New("mcp.path_secret must not contain '/'")
	}
	if !c.Server.DevMode && len(c.MCP.PathSecret) < 16 {
		slog.Error("MCP path secret too short for production", "field", "mcp.path_secret", "min_length", 16)
		return errors.New("mcp.path_secret must be at least 16 characters in production")
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("OAuth2 client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("OAuth2 client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if err := validateRedirectURI(uri, c.Server.DevMode); err != nil {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "error", err)
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d]: %w", i, client.ClientID, j, err)
			}
		}
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		slog.Error("Invalid rate limit", "requests_per_second", c.RateLimit.RequestsPerSecond, "burst", c.RateLimit.Burst)
		return errors.New("rate_limit values must not be negative")
	}

	return nil
}

func (c Config) validateUpstream() error {
	u := c.Upstream
	required := func(field, value string) error {
		if value == "" {
			slog.Error("Missing required upstream configuration", "kind", u.Kind, "field", "upstream."+field)
			return fmt.Errorf("upstream.%s is required for kind %q", field, u.Kind)
		}
		return nil
	}

	switch u.Kind {
	case UpstreamLocal:
		if !c.Server.DevMode {
			slog.Error("Local upstream outside dev mode", "field", "upstream.kind")
			return errors.New("upstream.kind \"local\" is only allowed in dev mode")
		}
		return nil
	case UpstreamOIDC:
		for field, value := range map[string]string{"issuer": u.Issuer, "client_id": u.ClientID} {
			if err := required(field, value); err != nil {
				return err
			}
		}
	case UpstreamOAuth2:
		for field, value := range map[string]string{"auth_url": u.AuthURL, "token_url": u.TokenURL, "userinfo_url": u.UserinfoURL, "client_id": u.ClientID} {
			if err := required(field, value); err != nil {
				return err
			}
		}
	case UpstreamKeyExchange:
		for field, value := range map[string]string{"auth_url": u.AuthURL, "exchange_url": u.ExchangeURL} {
			if err := required(field, value); err != nil {
				return err
			}
		}
	default:
		slog.Error("Invalid upstream kind", "field", "upstream.kind", "value", u.Kind)
		return fmt.Errorf("upstream.kind must be oidc, oauth2, key_exchange or local, got: %s", u.Kind)
	}
	return nil
}

// validateRedirectURI accepts absolute http(s) URIs without fragments. Plain
// http is only allowed for loopback hosts outside dev mode.
func validateRedirectURI(raw string, devMode bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if u.Fragment != "" {
		return errors.New("redirect_uri must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !devMode && !isLoopbackHost(u.Hostname()) {
			return errors.New("redirect_uri must use https unless it targets a loopback address")
		}
	default:
		return fmt.Errorf("redirect_uri must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("redirect_uri must include a host")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// CORSOrigins returns the configured origins, or the origins of the
// pre-registered redirect URIs when none are configured.
func (c Config) CORSOrigins() []string {
	if len(c.Server.CORS.AllowedOrigins) > 0 {
		return c.Server.CORS.AllowedOrigins
	}
	seen := make(map[string]bool)
	origins := []string{}
	for _, client := range c.Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(raw string) string {
	if raw == "" || raw == "*" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// MCPPath returns the protocol endpoint path, including the path secret.
func (c Config) MCPPath() string {
	if c.MCP.PathSecret == "" {
		return "/mcp"
	}
	return "/" + c.MCP.PathSecret + "/mcp"
}

// ResourceURL is the protected resource identifier advertised to clients.
func (c Config) ResourceURL() string {
	if c.Tokens.Audience != "" {
		return c.Tokens.Audience
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + c.MCPPath()
}

// Issuer is the authorization server identifier.
func (c Config) Issuer() string {
	return strings.TrimRight(c.Server.PublicURL, "/")
}
