package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"mcpgate/session"
	"mcpgate/store"
)

const maxFormBytes = 64 << 10

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var md ClientMetadata
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBytes)).Decode(&md); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body must be a JSON client metadata document")
		return
	}

	client, err := a.Clients.Register(r.Context(), md)
	if err != nil {
		var mdErr *ClientMetadataError
		if errors.As(err, &mdErr) {
			oauthError(w, http.StatusBadRequest, mdErr.Code, mdErr.Description)
			return
		}
		a.Logger.Error("client registration failed", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	annotateRequest(r.Context(), func(info *requestInfo) { info.clientID = client.ClientID })
	a.Logger.Info("client registered", "client_id", client.ClientID, "client_name", client.ClientName, "redirect_uris", client.RedirectURIs)
	writeJSON(w, http.StatusCreated, client)
}

// authorizeRequest is a validated /oauth/authorize request.
type authorizeRequest struct {
	Client              store.Client
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, code, err := a.parseAuthorizeRequest(r)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "error", err, "client_id", r.URL.Query().Get("client_id"))
		oauthError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	nonce, err := randomToken(24)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to start login")
		return
	}
	verifier := oauth2.GenerateVerifier()
	if err := a.Pending.Put(r.Context(), store.PendingUpstreamExchange{
		Nonce:               nonce,
		ClientID:            req.Client.ID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              req.Scopes,
		State:               req.State,
		UpstreamVerifier:    verifier,
	}); err != nil {
		a.Logger.Error("store pending exchange", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to start login")
		return
	}

	annotateRequest(r.Context(), func(info *requestInfo) { info.clientID = req.Client.ID })
	http.Redirect(w, r, a.Upstream.AuthCodeURL(nonce, verifier), http.StatusFound)
}

// parseAuthorizeRequest validates the request and, on failure, returns the
// OAuth error code to report.
func (a *App) parseAuthorizeRequest(r *http.Request) (authorizeRequest, string, error) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		return authorizeRequest{}, "invalid_request", errors.New("client_id is required")
	}
	client, err := a.Clients.Get(r.Context(), clientID)
	if err != nil {
		return authorizeRequest{}, "invalid_request", errors.New("unknown client_id")
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !validRedirect(client, redirectURI) {
		return authorizeRequest{}, "invalid_request", errors.New("redirect_uri is not registered for this client")
	}

	if rt := q.Get("response_type"); rt != "code" {
		return authorizeRequest{}, "unsupported_response_type", errors.New("response_type must be code")
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if method != store.MethodS256 || len(challenge) < 43 || len(challenge) > 128 {
		return authorizeRequest{}, "invalid_request", errors.New("PKCE with code_challenge_method S256 is required")
	}

	scopes, ok := allowedScopes(client, q.Get("scope"))
	if !ok {
		return authorizeRequest{}, "invalid_scope", errors.New("requested scope is not allowed for this client")
	}

	return authorizeRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		State:               q.Get("state"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scopes:              scopes,
	}, "", nil
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nonce := q.Get("state")
	if nonce == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing state")
		return
	}
	ex, err := a.Pending.Take(r.Context(), nonce)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "unknown or expired state")
		return
	}
	annotateRequest(r.Context(), func(info *requestInfo) { info.clientID = ex.ClientID })

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		code := "server_error"
		if upstreamErr == "access_denied" {
			code = "access_denied"
		}
		desc := sanitizeDescription(q.Get("error_description"))
		if desc == "" {
			desc = "upstream authorization failed"
		}
		a.Logger.Warn("upstream authorization error", "client_id", ex.ClientID, "error", upstreamErr)
		redirectError(w, r, ex.RedirectURI, ex.State, code, desc)
		return
	}

	upstreamCode := q.Get("code")
	if upstreamCode == "" {
		redirectError(w, r, ex.RedirectURI, ex.State, "server_error", "upstream returned no code")
		return
	}

	identity, err := a.Upstream.Exchange(r.Context(), upstreamCode, ex.UpstreamVerifier)
	if err != nil {
		a.Logger.Error("upstream exchange failed", "client_id", ex.ClientID, "upstream", a.Upstream.Kind(), "error", err)
		redirectError(w, r, ex.RedirectURI, ex.State, "server_error", "upstream token exchange failed")
		return
	}
	if identity.UserID == "" || identity.Credential == "" {
		a.Logger.Error("upstream identity incomplete", "client_id", ex.ClientID, "upstream", a.Upstream.Kind())
		redirectError(w, r, ex.RedirectURI, ex.State, "server_error", "upstream identity incomplete")
		return
	}

	code, err := randomToken(32)
	if err != nil {
		redirectError(w, r, ex.RedirectURI, ex.State, "server_error", "failed to issue code")
		return
	}
	if err := a.Store.StoreAuthorizationCode(r.Context(), store.AuthorizationCode{
		Code:                code,
		UserID:              identity.UserID,
		UpstreamCredential:  identity.Credential,
		ClientID:            ex.ClientID,
		RedirectURI:         ex.RedirectURI,
		CodeChallenge:       ex.CodeChallenge,
		CodeChallengeMethod: ex.CodeChallengeMethod,
		Scopes:              ex.Scopes,
		ExpiresAt:           time.Now().Add(store.AuthorizationCodeTTL),
	}); err != nil {
		a.Logger.Error("store authorization code", "error", err)
		redirectError(w, r, ex.RedirectURI, ex.State, "server_error", "failed to issue code")
		return
	}

	annotateRequest(r.Context(), func(info *requestInfo) { info.userID = identity.UserID })
	a.Logger.Info("upstream login complete", "client_id", ex.ClientID, "user_id", identity.UserID, "upstream", a.Upstream.Kind())

	redirect, _ := url.Parse(ex.RedirectURI)
	values := redirect.Query()
	values.Set("code", code)
	if ex.State != "" {
		values.Set("state", ex.State)
	}
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// clientAuth is the client identity presented at the token endpoint.
type clientAuth struct {
	ClientID      string
	Authenticated bool
	Basic         bool
}

// authenticateClient verifies client credentials when a secret is supplied.
// Clients that present no secret are accepted unauthenticated.
func (a *App) authenticateClient(r *http.Request) (clientAuth, error) {
	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	} else if formID := r.PostForm.Get("client_id"); formID != "" && formID != clientID {
		return clientAuth{}, ErrInvalidClient
	}
	auth := clientAuth{ClientID: clientID, Basic: basic}
	if secret == "" {
		return auth, nil
	}
	if _, err := a.Clients.Verify(r.Context(), clientID, secret); err != nil {
		return auth, err
	}
	auth.Authenticated = true
	return auth, nil
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	auth, err := a.authenticateClient(r)
	if err != nil {
		if !errors.Is(err, ErrInvalidClient) {
			a.Logger.Error("client authentication", "error", err)
		}
		if auth.Basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="mcpgate"`)
		}
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if auth.ClientID != "" {
		annotateRequest(r.Context(), func(info *requestInfo) { info.clientID = auth.ClientID })
	}

	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		a.handleTokenAuthorizationCode(w, r, auth)
	case "refresh_token":
		a.handleTokenRefresh(w, r, auth)
	case "":
		oauthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type "+grant+" is not supported")
	}
}

func (a *App) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, auth clientAuth) {
	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")
	if code == "" || redirectURI == "" || verifier == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "code, redirect_uri and code_verifier are required")
		return
	}

	rec, err := a.Store.ConsumeAuthorizationCode(r.Context(), code, verifier)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.Logger.Error("consume authorization code", "error", err)
		}
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired or already used")
		return
	}
	if rec.RedirectURI != redirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if auth.ClientID != "" && auth.ClientID != rec.ClientID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code was issued to another client")
		return
	}

	resp, err := a.issueTokens(r.Context(), tokenGrant{
		UserID:             rec.UserID,
		UpstreamCredential: rec.UpstreamCredential,
		ClientID:           rec.ClientID,
		Scopes:             rec.Scopes,
	}, "authorization_code")
	if err != nil {
		a.Logger.Error("issue tokens", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	annotateRequest(r.Context(), func(info *requestInfo) {
		info.clientID = rec.ClientID
		info.userID = rec.UserID
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleTokenRefresh(w http.ResponseWriter, r *http.Request, auth clientAuth) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	ctx := r.Context()

	rt, err := a.Store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or revoked")
		return
	}
	if auth.ClientID != "" && auth.ClientID != rt.ClientID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token was issued to another client")
		return
	}

	scopes := rt.Scopes
	if requested := strings.Fields(r.PostForm.Get("scope")); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(rt.Scopes, s) {
				oauthError(w, http.StatusBadRequest, "invalid_scope", "requested scope exceeds the original grant")
				return
			}
		}
		scopes = requested
	}

	// The upstream credential lives on the access token the refresh token
	// was issued with.
	access, err := a.Store.GetAccessToken(ctx, rt.AccessToken)
	if err != nil {
		_ = a.Store.RevokeRefreshToken(ctx, refreshToken)
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is no longer usable")
		return
	}

	// Revocation decides which of several concurrent rotations wins.
	if err := a.Store.RevokeRefreshToken(ctx, refreshToken); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.Logger.Error("revoke refresh token", "error", err)
		}
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or revoked")
		return
	}

	resp, err := a.issueTokens(ctx, tokenGrant{
		UserID:             rt.UserID,
		UpstreamCredential: access.UpstreamCredential,
		ClientID:           rt.ClientID,
		Scopes:             scopes,
	}, "refresh_token")
	if err != nil {
		a.Logger.Error("issue tokens", "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to issue tokens")
		return
	}
	annotateRequest(ctx, func(info *requestInfo) {
		info.clientID = rt.ClientID
		info.userID = rt.UserID
	})
	writeJSON(w, http.StatusOK, resp)
}

// readTokenParam reads the token parameter from a form or JSON body.
func readTokenParam(r *http.Request) (token, hint string, err error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Token         string `json:"token"`
			TokenTypeHint string `json:"token_type_hint"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBytes)).Decode(&body); err != nil {
			return "", "", err
		}
		return body.Token, body.TokenTypeHint, nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), nil
}

// IntrospectionResponse follows RFC 7662.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	token, hint, err := readTokenParam(r)
	if err != nil || token == "" {
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}
	writeJSON(w, http.StatusOK, a.introspect(r, token, hint))
}

func (a *App) introspect(r *http.Request, token, hint string) IntrospectionResponse {
	ctx := r.Context()
	if hint != "refresh_token" {
		if rec, err := a.resolveAccessToken(ctx, token); err == nil {
			return IntrospectionResponse{
				Active:    true,
				ClientID:  rec.ClientID,
				Username:  rec.UserID,
				Scope:     strings.Join(rec.Scopes, " "),
				Exp:       unixOrZero(rec.ExpiresAt),
				Iat:       unixOrZero(rec.CreatedAt),
				Sub:       rec.UserID,
				TokenType: "Bearer",
			}
		}
	}
	if rt, err := a.Store.GetRefreshToken(ctx, token); err == nil {
		return IntrospectionResponse{
			Active:    true,
			ClientID:  rt.ClientID,
			Username:  rt.UserID,
			Scope:     strings.Join(rt.Scopes, " "),
			Iat:       unixOrZero(rt.CreatedAt),
			Sub:       rt.UserID,
			TokenType: "refresh_token",
		}
	}
	if hint == "refresh_token" {
		return a.introspect(r, token, "")
	}
	return IntrospectionResponse{Active: false}
}

// handleRevoke implements RFC 7009. Unknown tokens are not an error.
func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token, _, err := readTokenParam(r)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	auth, err := a.authenticateClient(r)
	if err != nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if token == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	owns := func(clientID string) bool { return auth.ClientID == "" || auth.ClientID == clientID }

	if rt, err := a.Store.GetRefreshToken(ctx, token); err == nil {
		if owns(rt.ClientID) {
			_ = a.Store.RevokeRefreshToken(ctx, token)
			a.Logger.Info("refresh token revoked", "client_id", rt.ClientID, "user_id", rt.UserID)
		}
	} else if rec, err := a.Store.GetAccessToken(ctx, token); err == nil && owns(rec.ClientID) {
		if rec.RefreshToken != "" {
			_ = a.Store.RevokeRefreshToken(ctx, rec.RefreshToken)
		}
		_ = a.Store.DeleteToken(ctx, token)
		a.Logger.Info("access token revoked", "client_id", rec.ClientID, "user_id", rec.UserID)
	}
	w.WriteHeader(http.StatusOK)
}

// handleLogout removes every token the caller's user holds and ends their sessions.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	removed, err := a.Store.DeleteUserTokens(r.Context(), p.UserID)
	if err != nil {
		a.Logger.Error("logout delete tokens", "user_id", p.UserID, "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "logout failed")
		return
	}
	closed := a.Sessions.CloseUser(p.UserID, session.ReasonLogout)
	a.Logger.Info("user logged out", "user_id", p.UserID, "tokens_removed", removed, "sessions_closed", closed)
	w.WriteHeader(http.StatusNoContent)
}

// StatusResponse describes the authenticated caller.
type StatusResponse struct {
	Authenticated  bool     `json:"authenticated"`
	UserID         string   `json:"user_id"`
	ClientID       string   `json:"client_id"`
	Scopes         []string `json:"scopes"`
	ActiveSessions int      `json:"active_sessions"`
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	scopes := p.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Authenticated:  true,
		UserID:         p.UserID,
		ClientID:       p.ClientID,
		Scopes:         scopes,
		ActiveSessions: a.Sessions.CountUser(p.UserID),
	})
}
