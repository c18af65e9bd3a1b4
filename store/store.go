// Package store persists OAuth records for the gateway: access tokens,
// refresh tokens, single-use authorization codes and registered clients.
//
// Every backend implements the same context-based contract so call sites
// never branch on which backend is configured.
package store

import (
	"context"
	"errors"
	"time"
)

// AuthorizationCodeTTL bounds how long an issued code can be exchanged.
const AuthorizationCodeTTL = 10 * time.Minute

// DefaultSweepInterval is how often expired records are removed.
const DefaultSweepInterval = 5 * time.Minute

// ErrNotFound is returned for missing, expired or otherwise unusable records.
var ErrNotFound = errors.New("store: not found")

// AccessToken is the server-side record behind a bearer token. The token
// string is either a signed JWT or an opaque value; both are keyed the same way.
type AccessToken struct {
	Token              string    `json:"token"`
	UpstreamCredential string    `json:"upstream_credential"`
	UserID             string    `json:"user_id"`
	ClientID           string    `json:"client_id"`
	Scopes             []string  `json:"scopes"`
	RefreshToken       string    `json:"refresh_token,omitempty"`
	ExpiresAt          time.Time `json:"expires_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// RefreshToken is an opaque, store-backed refresh credential linked to
// exactly one access token.
type RefreshToken struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	ClientID    string    `json:"client_id"`
	Scopes      []string  `json:"scopes"`
	AccessToken string    `json:"access_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuthorizationCode binds a downstream PKCE challenge to the upstream
// identity obtained during the callback.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	UserID              string    `json:"user_id"`
	UpstreamCredential  string    `json:"upstream_credential"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scopes              []string  `json:"scopes"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the code can no longer be exchanged.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Client is a registered OAuth client. Only a hash of the secret is kept.
type Client struct {
	ID                      string    `json:"client_id"`
	SecretHash              string    `json:"secret_hash"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scope                   string    `json:"scope"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	IssuedAt                time.Time `json:"issued_at"`
}

// Stats counts live records per kind.
type Stats struct {
	AccessTokens       int `json:"access_tokens"`
	RefreshTokens      int `json:"refresh_tokens"`
	AuthorizationCodes int `json:"authorization_codes"`
	Clients            int `json:"clients"`
}

// TokenStore holds tokens and authorization codes.
type TokenStore interface {
	StoreAccessToken(ctx context.Context, tok AccessToken) error
	// GetAccessToken deletes and reports ErrNotFound for expired records.
	GetAccessToken(ctx context.Context, token string) (AccessToken, error)

	StoreRefreshToken(ctx context.Context, tok RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, error)
	// RevokeRefreshToken removes the refresh token and its linked access
	// token. Exactly one concurrent caller succeeds; the rest get ErrNotFound.
	RevokeRefreshToken(ctx context.Context, token string) error

	StoreAuthorizationCode(ctx context.Context, code AuthorizationCode) error
	// ConsumeAuthorizationCode removes the code and returns it only if the
	// verifier matches its S256 challenge. All failures are ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code, verifier string) (AuthorizationCode, error)

	// DeleteToken removes an access or refresh token by its key.
	DeleteToken(ctx context.Context, token string) error
	// DeleteUserTokens removes every token issued to userID.
	DeleteUserTokens(ctx context.Context, userID string) (int, error)
	// CleanupExpired removes expired access tokens and codes plus refresh
	// tokens whose access token is gone.
	CleanupExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// ClientStore holds registered OAuth clients.
type ClientStore interface {
	SaveClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, id string) (Client, error)
}

// Store is the full persistence contract used by the gateway.
type Store interface {
	TokenStore
	ClientStore
	Close() error
}
