// Package client lets services behind the gateway check the bearer tokens
// it issues. Tokens are resolved through the gateway's introspection
// endpoint and cached for a short while.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrInactiveToken is returned for tokens the gateway does not consider active.
	ErrInactiveToken = errors.New("token inactive")
	// ErrMissingScope is returned when a token lacks a required scope.
	ErrMissingScope = errors.New("missing scope")
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	IntrospectionURL string
	// IntrospectionAuth is sent verbatim as the Authorization header.
	IntrospectionAuth   string
	ResourceMetadataURL string
	CacheTTL            time.Duration
	MaxCacheEntries     int
	HTTPClient          *http.Client
}

// Validator resolves gateway access tokens through introspection.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	claims  *Claims
	expires time.Time
}

// Claims is what introspection says about an active token.
type Claims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Scope     string `json:"scope"`
	Exp       int64  `json:"exp"`
	Iat       int64  `json:"iat"`
	Sub       string `json:"sub"`
	TokenType string `json:"token_type"`
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = 10000
	}
	return &Validator{cfg: cfg, client: client, now: time.Now, cache: make(map[string]cacheEntry)}
}

// Validate returns the claims of an active access token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}
	key := cacheKey(rawToken)
	if claims, ok := v.cached(key); ok {
		return claims, nil
	}

	res, err, _ := v.group.Do(key, func() (any, error) {
		claims, err := v.introspect(ctx, rawToken)
		if err != nil {
			return nil, err
		}
		v.store(key, claims)
		return claims, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Claims), nil
}

// Forget drops a token from the cache, for example after revoking it.
func (v *Validator) Forget(rawToken string) {
	v.mu.Lock()
	delete(v.cache, cacheKey(rawToken))
	v.mu.Unlock()
}

func (v *Validator) cached(key string) (*Claims, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[key]
	if !ok {
		return nil, false
	}
	if !v.now().Before(entry.expires) {
		delete(v.cache, key)
		return nil, false
	}
	return entry.claims, true
}

func (v *Validator) store(key string, claims *Claims) {
	now := v.now()
	expires := now.Add(v.cfg.CacheTTL)
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expires) {
		expires = claims.ExpiresAt
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= v.cfg.MaxCacheEntries {
		for k, e := range v.cache {
			if !now.Before(e.expires) {
				delete(v.cache, k)
			}
		}
		if len(v.cache) >= v.cfg.MaxCacheEntries {
			v.cache = make(map[string]cacheEntry)
		}
	}
	v.cache[key] = cacheEntry{claims: claims, expires: expires}
}

func (v *Validator) introspect(ctx context.Context, token string) (*Claims, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection not configured")
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.cfg.IntrospectionAuth != "" {
		req.Header.Set("Authorization", v.cfg.IntrospectionAuth)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed: %s", resp.Status)
	}

	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	// Refresh tokens are active too but never valid as bearer credentials.
	if !body.Active || body.TokenType == "refresh_token" {
		return nil, ErrInactiveToken
	}

	sub := body.Sub
	if sub == "" {
		sub = body.Username
	}
	if sub == "" {
		return nil, errors.New("sub missing")
	}
	return &Claims{
		Subject:   sub,
		ClientID:  body.ClientID,
		Scopes:    strings.Fields(body.Scope),
		ExpiresAt: parseUnix(body.Exp),
		IssuedAt:  parseUnix(body.Iat),
	}, nil
}

// HasScopes ensures the claims include the required scopes.
func (v *Validator) HasScopes(claims *Claims, required ...string) error {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("%w %s", ErrMissingScope, need)
		}
	}
	return nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				v.challenge(w, "")
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), strings.TrimSpace(parts[1]))
			if err != nil {
				v.challenge(w, "invalid_token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				v.challenge(w, "insufficient_scope")
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *Validator) challenge(w http.ResponseWriter, errCode string) {
	params := []string{}
	if v.cfg.ResourceMetadataURL != "" {
		params = append(params, fmt.Sprintf("resource_metadata=%q", v.cfg.ResourceMetadataURL))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf("error=%q", errCode))
	}
	value := "Bearer"
	if len(params) > 0 {
		value += " " + strings.Join(params, ", ")
	}
	w.Header().Set("WWW-Authenticate", value)
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func parseUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
