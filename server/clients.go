package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mcpgate/store"
)

// Client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

var (
	defaultGrantTypes    = []string{"authorization_code", "refresh_token"}
	defaultResponseTypes = []string{"code"}
)

// ErrInvalidClient is returned when client credentials do not verify.
var ErrInvalidClient = errors.New("invalid client credentials")

// ClientMetadataError is a registration request the registry refuses.
type ClientMetadataError struct {
	Code        string
	Description string
}

func (e *ClientMetadataError) Error() string {
	return e.Code + ": " + e.Description
}

// ClientMetadata is the dynamic registration request body.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// RegisteredClient is the registration response. ClientSecret is only ever
// populated here.
type RegisteredClient struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// ClientRegistry registers and authenticates OAuth clients.
type ClientRegistry struct {
	store        store.ClientStore
	defaultScope string
	supported    []string
	allowHTTP    bool
	dummyHash    []byte
	now          func() time.Time
}

// NewClientRegistry builds a registry over cs. Registered scopes must come
// from supported when it is non-empty. allowHTTP permits plain http redirect
// URIs to non-loopback hosts.
func NewClientRegistry(cs store.ClientStore, defaultScope string, supported []string, allowHTTP bool) (*ClientRegistry, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("init client registry: %w", err)
	}
	if defaultScope == "" {
		defaultScope = DefaultScope
	}
	return &ClientRegistry{
		store:        cs,
		defaultScope: defaultScope,
		supported:    supported,
		allowHTTP:    allowHTTP,
		dummyHash:    dummy,
		now:          time.Now,
	}, nil
}

// Register creates a client from caller metadata merged with defaults.
func (cr *ClientRegistry) Register(ctx context.Context, md ClientMetadata) (RegisteredClient, error) {
	client, err := cr.buildClient(md)
	if err != nil {
		return RegisteredClient{}, err
	}
	client.ID = uuid.NewString()

	var secret string
	if client.TokenEndpointAuthMethod != AuthMethodNone {
		if secret, err = randomToken(32); err != nil {
			return RegisteredClient{}, err
		}
	}
	if err := cr.save(ctx, &client, secret); err != nil {
		return RegisteredClient{}, err
	}
	return toRegistered(client, secret), nil
}

// Preregister upserts a client with a fixed id and secret.
func (cr *ClientRegistry) Preregister(ctx context.Context, cfg ClientConfig) error {
	client, err := cr.buildClient(ClientMetadata{
		RedirectURIs: cfg.RedirectURIs,
		ClientName:   cfg.ClientName,
		Scope:        cfg.Scope,
	})
	if err != nil {
		return fmt.Errorf("client %s: %w", cfg.ClientID, err)
	}
	client.ID = cfg.ClientID
	if cfg.ClientSecret == "" {
		client.TokenEndpointAuthMethod = AuthMethodNone
	}
	return cr.save(ctx, &client, cfg.ClientSecret)
}

func (cr *ClientRegistry) save(ctx context.Context, client *store.Client, secret string) error {
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	}
	client.IssuedAt = cr.now().UTC().Truncate(time.Second)
	if err := cr.store.SaveClient(ctx, *client); err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (cr *ClientRegistry) buildClient(md ClientMetadata) (store.Client, error) {
	if len(md.RedirectURIs) == 0 {
		return store.Client{}, &ClientMetadataError{Code: "invalid_redirect_uri", Description: "at least one redirect_uri is required"}
	}
	for _, uri := range md.RedirectURIs {
		if !isSafeRedirectURI(uri) {
			return store.Client{}, &ClientMetadataError{Code: "invalid_redirect_uri", Description: "redirect_uri is not allowed: " + uri}
		}
		if err := validateRedirectURI(uri, cr.allowHTTP); err != nil {
			return store.Client{}, &ClientMetadataError{Code: "invalid_redirect_uri", Description: err.Error()}
		}
	}

	grants := md.GrantTypes
	if len(grants) == 0 {
		grants = defaultGrantTypes
	}
	for _, g := range grants {
		if !slices.Contains(defaultGrantTypes, g) {
			return store.Client{}, &ClientMetadataError{Code: "invalid_client_metadata", Description: "unsupported grant_type: " + g}
		}
	}
	responses := md.ResponseTypes
	if len(responses) == 0 {
		responses = defaultResponseTypes
	}
	for _, rt := range responses {
		if rt != "code" {
			return store.Client{}, &ClientMetadataError{Code: "invalid_client_metadata", Description: "unsupported response_type: " + rt}
		}
	}

	method := md.TokenEndpointAuthMethod
	switch method {
	case "":
		method = AuthMethodBasic
	case AuthMethodBasic, AuthMethodPost, AuthMethodNone:
	default:
		return store.Client{}, &ClientMetadataError{Code: "invalid_client_metadata", Description: "unsupported token_endpoint_auth_method: " + method}
	}

	scope := strings.Join(strings.Fields(md.Scope), " ")
	if scope == "" {
		scope = cr.defaultScope
	}
	if len(cr.supported) > 0 {
		for _, s := range strings.Fields(scope) {
			if !slices.Contains(cr.supported, s) {
				return store.Client{}, &ClientMetadataError{Code: "invalid_client_metadata", Description: "unsupported scope: " + s}
			}
		}
	}

	return store.Client{
		ClientName:              md.ClientName,
		RedirectURIs:            slices.Clone(md.RedirectURIs),
		GrantTypes:              slices.Clone(grants),
		ResponseTypes:           slices.Clone(responses),
		Scope:                   scope,
		TokenEndpointAuthMethod: method,
	}, nil
}

// Get returns the client for id.
func (cr *ClientRegistry) Get(ctx context.Context, id string) (store.Client, error) {
	if id == "" {
		return store.Client{}, store.ErrNotFound
	}
	return cr.store.GetClient(ctx, id)
}

// Verify checks a client secret. Unknown clients cost the same bcrypt
// comparison as known ones.
func (cr *ClientRegistry) Verify(ctx context.Context, id, secret string) (store.Client, error) {
	client, err := cr.Get(ctx, id)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(cr.dummyHash, []byte(secret))
		if errors.Is(err, store.ErrNotFound) {
			return store.Client{}, ErrInvalidClient
		}
		return store.Client{}, err
	}
	hash := []byte(client.SecretHash)
	if len(hash) == 0 {
		hash = cr.dummyHash
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil || client.SecretHash == "" {
		return store.Client{}, ErrInvalidClient
	}
	return client, nil
}

func toRegistered(c store.Client, secret string) RegisteredClient {
	return RegisteredClient{
		ClientID:                c.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        c.IssuedAt.Unix(),
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		Scope:                   c.Scope,
		ClientName:              c.ClientName,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
	}
}

// validRedirect reports whether uri is registered for c, by exact match.
func validRedirect(c store.Client, uri string) bool {
	return isSafeRedirectURI(uri) && slices.Contains(c.RedirectURIs, uri)
}

// isSafeRedirectURI validates that a redirect URI is safe to use
// Prevents open redirect vulnerabilities by blocking dangerous schemes and malformed URIs
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Block protocol-relative URLs that could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return false
	}

	// Blocks user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// Format: http://evil.com#http://trusted.com/callback
	host, _, _ := strings.Cut(rest, "/")
	return !strings.Contains(host, "#")
}

// allowedScopes filters requested to those the client may use. An empty
// request yields the client's full scope.
func allowedScopes(c store.Client, requested string) ([]string, bool) {
	granted := strings.Fields(c.Scope)
	req := strings.Fields(requested)
	if len(req) == 0 {
		return granted, true
	}
	for _, s := range req {
		if !slices.Contains(granted, s) {
			return nil, false
		}
	}
	return req, true
}
