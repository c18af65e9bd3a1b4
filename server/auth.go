package server

import (
	"context"
	"net/http"
	"strings"

	"mcpgate/session"
)

type principalKey struct{}

// PrincipalFromContext returns the caller resolved by RequireBearer.
func PrincipalFromContext(ctx context.Context) (session.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(session.Principal)
	return p, ok
}

// RequireBearer resolves the bearer token to a principal or rejects the
// request before any session work happens.
func (a *App) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			a.unauthorized(w, false)
			return
		}
		rec, err := a.resolveAccessToken(r.Context(), token)
		if err != nil {
			a.Logger.Debug("bearer token rejected", "request_id", RequestIDFromContext(r.Context()), "error", err)
			a.unauthorized(w, true)
			return
		}

		p := session.Principal{
			UserID:             rec.UserID,
			UpstreamCredential: rec.UpstreamCredential,
			ClientID:           rec.ClientID,
			Scopes:             rec.Scopes,
		}
		annotateRequest(r.Context(), func(info *requestInfo) {
			info.userID = p.UserID
			info.clientID = p.ClientID
		})
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *App) unauthorized(w http.ResponseWriter, presented bool) {
	challenge := `Bearer resource_metadata="` + a.Config.Issuer() + `/.well-known/oauth-protected-resource"`
	if presented {
		challenge += `, error="invalid_token"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	oauthError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
