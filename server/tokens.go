package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mcpgate/metrics"
	"mcpgate/store"
)

// ErrInvalidToken covers every way a bearer token can fail to resolve.
var ErrInvalidToken = errors.New("invalid token")

// AccessTokenClaims are the claims carried by a JWT access token.
type AccessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Scopes returns the granted scopes.
func (c *AccessTokenClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// TokenCodec signs and verifies stateless access tokens.
type TokenCodec struct {
	keys     *KeyManager
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenCodec builds a codec issuing tokens for audience, valid for ttl.
func NewTokenCodec(keys *KeyManager, issuer, audience string, ttl time.Duration) *TokenCodec {
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &TokenCodec{keys: keys, issuer: issuer, audience: audience, ttl: ttl, now: time.Now}
}

// TTL returns the access token lifetime.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

// GenerateAccessToken signs a token for userID and returns it with its expiry.
func (c *TokenCodec) GenerateAccessToken(userID, clientID string, scopes []string) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(c.ttl)
	claims := AccessTokenClaims{
		ClientID: clientID,
		Scope:    strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := c.keys.Sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, expiry, issuer and audience.
func (c *TokenCodec) VerifyAccessToken(token string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, c.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateRefreshToken returns an opaque, high-entropy refresh token.
func GenerateRefreshToken() (string, error) {
	return randomToken(32)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// tokenGrant is everything a new token pair is bound to.
type tokenGrant struct {
	UserID             string
	UpstreamCredential string
	ClientID           string
	Scopes             []string
}

// issueTokens mints and persists an access and refresh token pair.
func (a *App) issueTokens(ctx context.Context, g tokenGrant, grantType string) (TokenResponse, error) {
	now := time.Now()
	var (
		access string
		exp    time.Time
		err    error
	)
	if a.Config.Tokens.Format == TokenFormatOpaque {
		access, err = randomToken(32)
		exp = now.Add(a.Tokens.TTL())
	} else {
		access, exp, err = a.Tokens.GenerateAccessToken(g.UserID, g.ClientID, g.Scopes)
	}
	if err != nil {
		return TokenResponse{}, err
	}
	refresh, err := GenerateRefreshToken()
	if err != nil {
		return TokenResponse{}, err
	}

	if err := a.Store.StoreAccessToken(ctx, store.AccessToken{
		Token:              access,
		UpstreamCredential: g.UpstreamCredential,
		UserID:             g.UserID,
		ClientID:           g.ClientID,
		Scopes:             g.Scopes,
		RefreshToken:       refresh,
		ExpiresAt:          exp,
		CreatedAt:          now,
	}); err != nil {
		return TokenResponse{}, fmt.Errorf("store access token: %w", err)
	}
	if err := a.Store.StoreRefreshToken(ctx, store.RefreshToken{
		Token:       refresh,
		UserID:      g.UserID,
		ClientID:    g.ClientID,
		Scopes:      g.Scopes,
		AccessToken: access,
		CreatedAt:   now,
	}); err != nil {
		_ = a.Store.DeleteToken(ctx, access)
		return TokenResponse{}, fmt.Errorf("store refresh token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues(grantType).Inc()
	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(exp.Sub(now).Round(time.Second) / time.Second),
		RefreshToken: refresh,
		Scope:        strings.Join(g.Scopes, " "),
	}, nil
}

// resolveAccessToken maps a bearer token to its store record. A JWT must
// verify and still have a matching record; anything else is looked up as an
// opaque token.
func (a *App) resolveAccessToken(ctx context.Context, token string) (store.AccessToken, error) {
	if token == "" {
		return store.AccessToken{}, ErrInvalidToken
	}
	if claims, err := a.Tokens.VerifyAccessToken(token); err == nil {
		rec, err := a.Store.GetAccessToken(ctx, token)
		if err != nil {
			return store.AccessToken{}, ErrInvalidToken
		}
		if rec.UserID != claims.Subject || rec.ClientID != claims.ClientID {
			return store.AccessToken{}, ErrInvalidToken
		}
		return rec, nil
	}

	rec, err := a.Store.GetAccessToken(ctx, token)
	if err != nil {
		return store.AccessToken{}, ErrInvalidToken
	}
	return rec, nil
}
