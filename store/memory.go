package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	accessTokens  map[string]AccessToken
	refreshTokens map[string]RefreshToken
	codes         map[string]AuthorizationCode
	clients       map[string]Client
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accessTokens:  make(map[string]AccessToken),
		refreshTokens: make(map[string]RefreshToken),
		codes:         make(map[string]AuthorizationCode),
		clients:       make(map[string]Client),
	}
}

// StoreAccessToken stores or replaces an access token record.
func (s *MemoryStore) StoreAccessToken(_ context.Context, tok AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok.Scopes = slices.Clone(tok.Scopes)
	s.accessTokens[tok.Token] = tok
	return nil
}

// GetAccessToken returns a live access token record.
func (s *MemoryStore) GetAccessToken(_ context.Context, token string) (AccessToken, error) {
	s.mu.RLock()
	tok, ok := s.accessTokens[token]
	s.mu.RUnlock()
	if !ok {
		return AccessToken{}, ErrNotFound
	}
	if tok.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.accessTokens, token)
		s.mu.Unlock()
		return AccessToken{}, ErrNotFound
	}
	return tok, nil
}

// StoreRefreshToken stores a refresh token record.
func (s *MemoryStore) StoreRefreshToken(_ context.Context, tok RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok.Scopes = slices.Clone(tok.Scopes)
	s.refreshTokens[tok.Token] = tok
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *MemoryStore) GetRefreshToken(_ context.Context, token string) (RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refreshTokens[token]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return tok, nil
}

// RevokeRefreshToken deletes the refresh token and its linked access token.
func (s *MemoryStore) RevokeRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refreshTokens[token]
	if !ok {
		return ErrNotFound
	}
	delete(s.refreshTokens, token)
	if tok.AccessToken != "" {
		delete(s.accessTokens, tok.AccessToken)
	}
	return nil
}

// StoreAuthorizationCode stores a freshly issued code.
func (s *MemoryStore) StoreAuthorizationCode(_ context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code.Scopes = slices.Clone(code.Scopes)
	s.codes[code.Code] = code
	return nil
}

// ConsumeAuthorizationCode removes the code and checks its PKCE binding.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code, verifier string) (AuthorizationCode, error) {
	s.mu.Lock()
	rec, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok || rec.Expired(time.Now()) {
		return AuthorizationCode{}, ErrNotFound
	}
	if !VerifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, verifier) {
		return AuthorizationCode{}, ErrNotFound
	}
	return rec, nil
}

// DeleteToken removes an access or refresh token.
func (s *MemoryStore) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accessTokens[token]; ok {
		delete(s.accessTokens, token)
		return nil
	}
	if _, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		return nil
	}
	return ErrNotFound
}

// DeleteUserTokens removes all tokens belonging to userID.
func (s *MemoryStore) DeleteUserTokens(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, tok := range s.accessTokens {
		if tok.UserID == userID {
			delete(s.accessTokens, key)
			removed++
		}
	}
	for key, tok := range s.refreshTokens {
		if tok.UserID == userID {
			delete(s.refreshTokens, key)
			removed++
		}
	}
	return removed, nil
}

// CleanupExpired sweeps expired and orphaned records.
func (s *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, tok := range s.accessTokens {
		if tok.Expired(now) {
			delete(s.accessTokens, key)
			removed++
		}
	}
	for key, code := range s.codes {
		if code.Expired(now) {
			delete(s.codes, key)
			removed++
		}
	}
	for key, tok := range s.refreshTokens {
		if _, ok := s.accessTokens[tok.AccessToken]; !ok {
			delete(s.refreshTokens, key)
			removed++
		}
	}
	return removed, nil
}

// Stats reports record counts.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		AccessTokens:       len(s.accessTokens),
		RefreshTokens:      len(s.refreshTokens),
		AuthorizationCodes: len(s.codes),
		Clients:            len(s.clients),
	}, nil
}

// SaveClient stores or replaces a client.
func (s *MemoryStore) SaveClient(_ context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.GrantTypes = slices.Clone(c.GrantTypes)
	c.ResponseTypes = slices.Clone(c.ResponseTypes)
	s.clients[c.ID] = c
	return nil
}

// GetClient returns a registered client.
func (s *MemoryStore) GetClient(_ context.Context, id string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }
