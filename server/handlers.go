package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"mcpgate/bridge"
	"mcpgate/session"
	"mcpgate/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    store.Store
	Pending  *store.PendingExchanges
	Keys     *KeyManager
	Tokens   *TokenCodec
	Clients  *ClientRegistry
	Upstream UpstreamProvider
	Local    *LocalUpstream
	Sessions *session.Registry
	Limiter  *RateLimiter

	stop       chan struct{}
	stopSweep  context.CancelFunc
	closeStore bool
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	app, err := NewAppWithStore(ctx, cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	app.closeStore = true
	return app, nil
}

// NewAppWithStore wires the application around an already opened store.
// The caller keeps ownership of st.
func NewAppWithStore(ctx context.Context, cfg Config, st store.Store, logger *slog.Logger) (*App, error) {
	keys, err := NewKeyManager(KeyConfig{
		Secret:         cfg.Tokens.SigningSecret,
		SecretsPath:    cfg.Server.SecretsPath,
		RotateInterval: cfg.Tokens.RotateInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(st, cfg.OAuth.DefaultScope, cfg.OAuth.ScopesSupported, cfg.Server.DevMode)
	if err != nil {
		return nil, err
	}
	for _, c := range cfg.Clients {
		if err := clients.Preregister(ctx, c); err != nil {
			return nil, fmt.Errorf("preregister client: %w", err)
		}
		logger.Info("client preregistered", "client_id", c.ClientID)
	}

	var local *LocalUpstream
	if cfg.Server.DevMode {
		local = NewLocalUpstream(cfg.Issuer())
	}
	upstream, err := BuildUpstream(ctx, cfg, local, logger)
	if err != nil {
		return nil, err
	}

	s := cfg.Sessions
	spawner := &session.CommandSpawner{
		Command:       s.Command,
		Args:          s.Args,
		Env:           s.Env,
		WorkDir:       s.WorkDir,
		CredentialEnv: s.CredentialEnv,
		UserIDEnv:     s.UserIDEnv,
		Logger:        logger,
	}
	sessions := session.NewRegistry(session.Config{
		IdleTimeout:    s.IdleTimeout,
		MaxLifetime:    s.MaxLifetime,
		SweepInterval:  s.SweepInterval,
		TerminateGrace: s.TerminateGrace,
		Bridge: bridge.Options{
			ProtocolVersion:   s.ProtocolVersion,
			InitializeTimeout: s.InitializeTimeout,
			RequestTimeout:    s.RequestTimeout,
			HeartbeatInterval: s.HeartbeatInterval,
			HeartbeatMethods:  s.HeartbeatMethods,
		},
	}, spawner, logger)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Pending:  store.NewPendingExchanges(cfg.OAuth.PendingTTL),
		Keys:     keys,
		Tokens:   NewTokenCodec(keys, cfg.Issuer(), cfg.ResourceURL(), cfg.Tokens.AccessTTL),
		Clients:  clients,
		Upstream: upstream,
		Local:    local,
		Sessions: sessions,
		Limiter:  NewRateLimiter(cfg.RateLimit, logger),
		stop:     make(chan struct{}),
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	app.stopSweep = cancel
	store.StartSweeper(sweepCtx, st, app.Pending, cfg.Store.SweepInterval, logger)
	keys.StartRotation(app.stop)
	app.Limiter.StartCleanup(app.stop)

	logger.Info("gateway ready",
		"upstream", upstream.Kind(),
		"store", cfg.Store.Backend,
		"token_format", cfg.Tokens.Format,
		"mcp_path", cfg.MCPPath(),
	)
	return app, nil
}

// OpenStore opens the configured token store backend.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case StoreMemory, "":
		return store.NewMemoryStore(), nil
	case StoreSQLite:
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	case StoreRedis:
		return store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Shutdown stops background work, ends every session and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	select {
	case <-a.stop:
		return nil
	default:
		close(a.stop)
	}
	a.stopSweep()

	err := a.Sessions.Shutdown(ctx)
	if a.closeStore {
		err = errors.Join(err, a.Store.Close())
	}
	return err
}

func (a *App) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"introspection_endpoint":                issuer + "/oauth/introspect",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"scopes_supported":                      a.Config.OAuth.ScopesSupported,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 defaultGrantTypes,
		"code_challenge_methods_supported":      []string{store.MethodS256},
		"token_endpoint_auth_methods_supported": []string{AuthMethodBasic, AuthMethodPost, AuthMethodNone},
	})
}

func (a *App) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 a.Config.ResourceURL(),
		"authorization_servers":    []string{a.Config.Issuer()},
		"scopes_supported":         a.Config.OAuth.ScopesSupported,
		"bearer_methods_supported": []string{"header"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// oauthError writes the standard OAuth error envelope.
func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

// redirectError sends an OAuth error to the client's redirect URI. Unsafe
// URIs get a JSON error instead of a redirect.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	if !isSafeRedirectURI(redirectURI) {
		oauthError(w, http.StatusBadRequest, code, desc)
		return
	}
	uri, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, code, desc)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	http.Redirect(w, r, uri.String(), http.StatusFound)
}

// sanitizeDescription keeps only characters allowed in error_description and
// bounds the length.
func sanitizeDescription(desc string) string {
	const maxLen = 200
	out := make([]byte, 0, min(len(desc), maxLen))
	for i := 0; i < len(desc) && len(out) < maxLen; i++ {
		c := desc[i]
		if c >= 0x20 && c <= 0x7e && c != '"' && c != '\\' {
			out = append(out, c)
		}
	}
	return string(out)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
