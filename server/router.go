package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mcpgate/metrics"
)

// Routes constructs the HTTP router with the OAuth endpoints and the MCP
// transport.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS, a.Config.CORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/oauth-authorization-server", a.handleAuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/*", a.handleProtectedResourceMetadata)

	r.Route("/oauth", func(r chi.Router) {
		r.With(a.RateLimitMiddleware).Post("/register", a.handleRegister)
		r.Get("/authorize", a.handleAuthorize)
		r.Get("/callback", a.handleCallback)
		r.With(a.RateLimitMiddleware).Post("/token", a.handleToken)
		r.Post("/introspect", a.handleIntrospect)
		r.Post("/revoke", a.handleRevoke)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireBearer)
			r.Post("/logout", a.handleLogout)
			r.Get("/status", a.handleStatus)
		})
	})

	if a.Local != nil {
		r.Get("/dev/login", a.handleDevLogin)
		r.Post("/dev/login", a.handleDevLoginSubmit)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.RequireBearer)
		path := a.Config.MCPPath()
		r.Post(path, a.handleMCPPost)
		r.Get(path, a.handleMCPStream)
		r.Delete(path, a.handleMCPDelete)
	})

	if a.Config.Metrics.Enabled {
		r.Handle(a.Config.Metrics.Path, metrics.Handler())
	}

	return r
}
