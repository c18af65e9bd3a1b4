package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"mcpgate/store"
)

const upstreamTimeout = 15 * time.Second

// UpstreamIdentity is what a completed upstream login yields: who the user
// is and the credential their subprocess acts with.
type UpstreamIdentity struct {
	UserID     string
	Credential string
	Name       string
}

// UpstreamProvider is the identity provider users log in with. Every
// provider runs its own PKCE exchange with the gateway's verifier.
type UpstreamProvider interface {
	Kind() string
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (UpstreamIdentity, error)
}

// BuildUpstream prepares the configured upstream provider.
func BuildUpstream(ctx context.Context, cfg Config, local *LocalUpstream, logger *slog.Logger) (UpstreamProvider, error) {
	u := cfg.Upstream
	redirect := cfg.Issuer() + "/oauth/callback"

	switch u.Kind {
	case UpstreamOIDC:
		return NewOIDCUpstream(ctx, u, redirect, logger)
	case UpstreamOAuth2:
		return NewOAuth2Upstream(u, redirect), nil
	case UpstreamKeyExchange:
		return NewKeyExchangeUpstream(u, redirect), nil
	case UpstreamLocal:
		if local == nil {
			return nil, errors.New("local upstream requires dev mode")
		}
		return local, nil
	default:
		return nil, fmt.Errorf("unknown upstream kind %q", u.Kind)
	}
}

// OIDCUpstream logs users in through an OpenID Connect provider. The
// upstream access token becomes the session credential.
type OIDCUpstream struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	userField   string
	logger      *slog.Logger
}

// NewOIDCUpstream initializes the provider via discovery.
func NewOIDCUpstream(ctx context.Context, u UpstreamConfig, redirect string, logger *slog.Logger) (*OIDCUpstream, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	op, err := oidc.NewProvider(discoverCtx, u.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover upstream %s: %w", u.Issuer, err)
	}

	endpoint := op.Endpoint()
	if u.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	scopes := u.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCUpstream{
		oauthConfig: &oauth2.Config{
			ClientID:     u.ClientID,
			ClientSecret: u.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:  op.Verifier(&oidc.Config{ClientID: u.ClientID}),
		userField: u.UserIDField,
		logger:    logger,
	}, nil
}

func (p *OIDCUpstream) Kind() string { return UpstreamOIDC }

// AuthCodeURL constructs the authorization request for upstream.
func (p *OIDCUpstream) AuthCodeURL(state, verifier string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange completes the code exchange and verifies the id_token.
func (p *OIDCUpstream) Exchange(ctx context.Context, code, verifier string) (UpstreamIdentity, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return UpstreamIdentity{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return UpstreamIdentity{}, errors.New("id_token missing in response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return UpstreamIdentity{}, fmt.Errorf("verify id_token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return UpstreamIdentity{}, fmt.Errorf("parse claims: %w", err)
	}
	userID := idToken.Subject
	if p.userField != "" && p.userField != "sub" {
		userID = stringField(claims, p.userField)
	}
	if userID == "" {
		return UpstreamIdentity{}, errors.New("id_token carries no user id")
	}
	return UpstreamIdentity{
		UserID:     userID,
		Credential: tok.AccessToken,
		Name:       displayName(claims),
	}, nil
}

// OAuth2Upstream logs users in through a plain OAuth 2 provider and looks the
// user up at its userinfo endpoint.
type OAuth2Upstream struct {
	oauthConfig *oauth2.Config
	userinfoURL string
	userField   string
}

// NewOAuth2Upstream builds a provider from static endpoints.
func NewOAuth2Upstream(u UpstreamConfig, redirect string) *OAuth2Upstream {
	endpoint := oauth2.Endpoint{AuthURL: u.AuthURL, TokenURL: u.TokenURL}
	if u.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	field := u.UserIDField
	if field == "" {
		field = "sub"
	}
	return &OAuth2Upstream{
		oauthConfig: &oauth2.Config{
			ClientID:     u.ClientID,
			ClientSecret: u.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       u.Scopes,
		},
		userinfoURL: u.UserinfoURL,
		userField:   field,
	}
}

func (p *OAuth2Upstream) Kind() string { return UpstreamOAuth2 }

func (p *OAuth2Upstream) AuthCodeURL(state, verifier string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *OAuth2Upstream) Exchange(ctx context.Context, code, verifier string) (UpstreamIdentity, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return UpstreamIdentity{}, fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURL, nil)
	if err != nil {
		return UpstreamIdentity{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.oauthConfig.Client(ctx, tok).Do(req)
	if err != nil {
		return UpstreamIdentity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UpstreamIdentity{}, fmt.Errorf("fetch userinfo: status %d", resp.StatusCode)
	}
	var claims map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&claims); err != nil {
		return UpstreamIdentity{}, fmt.Errorf("decode userinfo: %w", err)
	}
	userID := stringField(claims, p.userField)
	if userID == "" {
		return UpstreamIdentity{}, fmt.Errorf("userinfo has no %q field", p.userField)
	}
	return UpstreamIdentity{UserID: userID, Credential: tok.AccessToken, Name: displayName(claims)}, nil
}

// KeyExchangeUpstream talks to providers that mint a long-lived API key in
// exchange for a PKCE-protected code instead of issuing OAuth tokens.
type KeyExchangeUpstream struct {
	authURL         string
	exchangeURL     string
	clientID        string
	redirect        string
	userField       string
	credentialField string
	client          *http.Client
}

// NewKeyExchangeUpstream builds a key-minting provider.
func NewKeyExchangeUpstream(u UpstreamConfig, redirect string) *KeyExchangeUpstream {
	credField := u.CredentialField
	if credField == "" {
		credField = "key"
	}
	userField := u.UserIDField
	if userField == "" {
		userField = "user_id"
	}
	return &KeyExchangeUpstream{
		authURL:         u.AuthURL,
		exchangeURL:     u.ExchangeURL,
		clientID:        u.ClientID,
		redirect:        redirect,
		userField:       userField,
		credentialField: credField,
		client:          &http.Client{Timeout: upstreamTimeout},
	}
}

func (p *KeyExchangeUpstream) Kind() string { return UpstreamKeyExchange }

func (p *KeyExchangeUpstream) AuthCodeURL(state, verifier string) string {
	q := url.Values{}
	q.Set("callback_url", p.redirect)
	q.Set("redirect_uri", p.redirect)
	q.Set("state", state)
	q.Set("code_challenge", store.S256Challenge(verifier))
	q.Set("code_challenge_method", store.MethodS256)
	if p.clientID != "" {
		q.Set("client_id", p.clientID)
	}
	sep := "?"
	if strings.Contains(p.authURL, "?") {
		sep = "&"
	}
	return p.authURL + sep + q.Encode()
}

func (p *KeyExchangeUpstream) Exchange(ctx context.Context, code, verifier string) (UpstreamIdentity, error) {
	body, err := json.Marshal(map[string]string{
		"code":                  code,
		"code_verifier":         verifier,
		"code_challenge_method": store.MethodS256,
	})
	if err != nil {
		return UpstreamIdentity{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.exchangeURL, bytes.NewReader(body))
	if err != nil {
		return UpstreamIdentity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return UpstreamIdentity{}, fmt.Errorf("exchange code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UpstreamIdentity{}, fmt.Errorf("exchange code: status %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return UpstreamIdentity{}, fmt.Errorf("decode exchange response: %w", err)
	}

	key := stringField(payload, p.credentialField)
	if key == "" {
		return UpstreamIdentity{}, fmt.Errorf("exchange response has no %q field", p.credentialField)
	}
	userID := stringField(payload, p.userField)
	if userID == "" {
		// Providers that return only a key still get a stable per-key user.
		sum := sha256.Sum256([]byte(key))
		userID = "key-" + hex.EncodeToString(sum[:8])
	}
	return UpstreamIdentity{UserID: userID, Credential: key}, nil
}

func stringField(m map[string]any, field string) string {
	switch v := m[field].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func displayName(claims map[string]any) string {
	for _, field := range []string{"name", "preferred_username", "email"} {
		if v := stringField(claims, field); v != "" {
			return v
		}
	}
	return ""
}
