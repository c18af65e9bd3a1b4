package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "mcpgate.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStoreWithClient(client, "test:")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, factory(t))
		})
	}
}

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func issueCode(t *testing.T, s Store, code string, expires time.Time) {
	t.Helper()
	require.NoError(t, s.StoreAuthorizationCode(context.Background(), AuthorizationCode{
		Code:                code,
		UserID:              "alice",
		UpstreamCredential:  "upstream-secret",
		ClientID:            "client-1",
		RedirectURI:         "http://localhost:9999/cb",
		CodeChallenge:       S256Challenge(testVerifier),
		CodeChallengeMethod: MethodS256,
		Scopes:              []string{"mcp"},
		ExpiresAt:           expires,
	}))
}

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		tok := AccessToken{
			Token:              "at-1",
			UpstreamCredential: "upstream-secret",
			UserID:             "alice",
			ClientID:           "client-1",
			Scopes:             []string{"mcp", "read"},
			RefreshToken:       "rt-1",
			ExpiresAt:          now.Add(time.Hour),
			CreatedAt:          now,
		}
		require.NoError(t, s.StoreAccessToken(ctx, tok))

		got, err := s.GetAccessToken(ctx, "at-1")
		require.NoError(t, err)
		assert.Equal(t, tok.UpstreamCredential, got.UpstreamCredential)
		assert.Equal(t, tok.UserID, got.UserID)
		assert.Equal(t, tok.Scopes, got.Scopes)
		assert.Equal(t, tok.RefreshToken, got.RefreshToken)
		assert.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))

		_, err = s.GetAccessToken(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestExpiredAccessTokenIsNotReturned(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{
			Token:     "at-old",
			UserID:    "alice",
			ExpiresAt: time.Now().Add(-time.Second),
		}))
		_, err := s.GetAccessToken(ctx, "at-old")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeAuthorizationCode(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		issueCode(t, s, "code-1", time.Now().Add(AuthorizationCodeTTL))

		rec, err := s.ConsumeAuthorizationCode(ctx, "code-1", testVerifier)
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.UserID)
		assert.Equal(t, "upstream-secret", rec.UpstreamCredential)
		assert.Equal(t, "http://localhost:9999/cb", rec.RedirectURI)
		assert.Equal(t, []string{"mcp"}, rec.Scopes)

		_, err = s.ConsumeAuthorizationCode(ctx, "code-1", testVerifier)
		assert.ErrorIs(t, err, ErrNotFound, "code must be single use")
	})
}

func TestConsumeAuthorizationCodeWrongVerifierBurnsCode(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		issueCode(t, s, "code-2", time.Now().Add(AuthorizationCodeTTL))

		_, err := s.ConsumeAuthorizationCode(ctx, "code-2", "not-the-verifier")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.ConsumeAuthorizationCode(ctx, "code-2", testVerifier)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		issueCode(t, s, "code-race", time.Now().Add(AuthorizationCodeTTL))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ConsumeAuthorizationCode(ctx, "code-race", testVerifier); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestRevokeRefreshTokenRemovesLinkedAccessToken(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{
			Token: "at-1", UserID: "alice", RefreshToken: "rt-1", ExpiresAt: time.Now().Add(time.Hour),
		}))
		require.NoError(t, s.StoreRefreshToken(ctx, RefreshToken{
			Token: "rt-1", UserID: "alice", ClientID: "client-1", AccessToken: "at-1", CreatedAt: time.Now(),
		}))

		rt, err := s.GetRefreshToken(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, "at-1", rt.AccessToken)

		require.NoError(t, s.RevokeRefreshToken(ctx, "rt-1"))
		_, err = s.GetAccessToken(ctx, "at-1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRefreshToken(ctx, "rt-1")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.RevokeRefreshToken(ctx, "rt-1"), ErrNotFound)
	})
}

func TestRevokeRefreshTokenConcurrent(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreRefreshToken(ctx, RefreshToken{Token: "rt-race", UserID: "alice", AccessToken: "at-x"}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.RevokeRefreshToken(ctx, "rt-race") == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestDeleteToken(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "at-1", UserID: "alice"}))
		require.NoError(t, s.StoreRefreshToken(ctx, RefreshToken{Token: "rt-1", UserID: "alice", AccessToken: "at-1"}))

		require.NoError(t, s.DeleteToken(ctx, "at-1"))
		require.NoError(t, s.DeleteToken(ctx, "rt-1"))
		assert.ErrorIs(t, s.DeleteToken(ctx, "at-1"), ErrNotFound)
	})
}

func TestDeleteUserTokens(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "a1", UserID: "alice"}))
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "a2", UserID: "alice"}))
		require.NoError(t, s.StoreRefreshToken(ctx, RefreshToken{Token: "r1", UserID: "alice", AccessToken: "a1"}))
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "b1", UserID: "bob"}))

		n, err := s.DeleteUserTokens(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = s.GetAccessToken(ctx, "b1")
		assert.NoError(t, err)
	})
}

func TestCleanupExpiredRemovesOrphanedRefreshTokens(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "live", UserID: "alice", ExpiresAt: time.Now().Add(time.Hour)}))
		require.NoError(t, s.StoreRefreshToken(ctx, RefreshToken{Token: "r-live", UserID: "alice", AccessToken: "live"}))
		require.NoError(t, s.StoreRefreshToken(ctx, RefreshToken{Token: "r-orphan", UserID: "alice", AccessToken: "gone"}))

		removed, err := s.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)

		_, err = s.GetRefreshToken(ctx, "r-live")
		assert.NoError(t, err)
		_, err = s.GetRefreshToken(ctx, "r-orphan")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClients(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := Client{
			ID:                      "client-1",
			SecretHash:              "$2a$10$hash",
			ClientName:              "Test",
			RedirectURIs:            []string{"http://localhost:9999/cb"},
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			Scope:                   "mcp",
			TokenEndpointAuthMethod: "client_secret_post",
			IssuedAt:                time.Now().Truncate(time.Second),
		}
		require.NoError(t, s.SaveClient(ctx, c))

		got, err := s.GetClient(ctx, "client-1")
		require.NoError(t, err)
		assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
		assert.Equal(t, c.GrantTypes, got.GrantTypes)
		assert.Equal(t, c.SecretHash, got.SecretHash)
		assert.True(t, c.IssuedAt.Equal(got.IssuedAt))

		_, err = s.GetClient(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Clients)
	})
}

func TestRedisAccessTokenTTL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	ctx := context.Background()

	require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "at", UserID: "alice", ExpiresAt: time.Now().Add(time.Minute)}))
	mr.FastForward(2 * time.Minute)

	_, err := s.GetAccessToken(ctx, "at")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCleanupPrunesUserIndex(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	ctx := context.Background()

	require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "short", UserID: "alice", ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "long", UserID: "alice", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.StoreAccessToken(ctx, AccessToken{Token: "gone", UserID: "bob", ExpiresAt: time.Now().Add(time.Minute)}))
	mr.FastForward(2 * time.Minute)

	_, err := s.CleanupExpired(ctx)
	require.NoError(t, err)

	members, err := mr.Members("test:user:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"test:access:long"}, members)
	assert.False(t, mr.Exists("test:user:bob"), "an emptied index should disappear")
}
