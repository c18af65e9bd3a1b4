package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key kinds under the configured prefix.
const (
	keyAccess  = "access"
	keyRefresh = "refresh"
	keyCode    = "code"
	keyClient  = "client"
	keyUser    = "user"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps records as JSON values. Access tokens and codes carry a
// Redis TTL; refresh tokens live until revoked or swept as orphans.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client, for tests with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

// StoreAccessToken stores or replaces an access token record.
func (s *RedisStore) StoreAccessToken(ctx context.Context, tok AccessToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}
	var ttl time.Duration
	if !tok.ExpiresAt.IsZero() {
		ttl = time.Until(tok.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	key := s.key(keyAccess, tok.Token)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if err := s.indexUser(ctx, tok.UserID, key); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// GetAccessToken returns a live access token record.
func (s *RedisStore) GetAccessToken(ctx context.Context, token string) (AccessToken, error) {
	key := s.key(keyAccess, token)
	var tok AccessToken
	if err := s.getJSON(ctx, key, &tok); err != nil {
		return AccessToken{}, err
	}
	if tok.Expired(time.Now()) {
		_ = s.client.Del(ctx, key).Err()
		return AccessToken{}, ErrNotFound
	}
	return tok, nil
}

// StoreRefreshToken stores a refresh token record.
func (s *RedisStore) StoreRefreshToken(ctx context.Context, tok RefreshToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	key := s.key(keyRefresh, tok.Token)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if err := s.indexUser(ctx, tok.UserID, key); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *RedisStore) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	var tok RefreshToken
	if err := s.getJSON(ctx, s.key(keyRefresh, token), &tok); err != nil {
		return RefreshToken{}, err
	}
	return tok, nil
}

// RevokeRefreshToken deletes the refresh token and its linked access token.
// GETDEL makes the removal atomic, so only one concurrent caller sees the record.
func (s *RedisStore) RevokeRefreshToken(ctx context.Context, token string) error {
	key := s.key(keyRefresh, token)
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	var tok RefreshToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	userKey := s.key(keyUser, tok.UserID)
	_ = s.client.SRem(ctx, userKey, key).Err()
	if tok.AccessToken != "" {
		accessKey := s.key(keyAccess, tok.AccessToken)
		if err := s.client.Del(ctx, accessKey).Err(); err != nil {
			return fmt.Errorf("failed to delete linked access token: %w", err)
		}
		_ = s.client.SRem(ctx, userKey, accessKey).Err()
	}
	return nil
}

// StoreAuthorizationCode stores a freshly issued code with its TTL.
func (s *RedisStore) StoreAuthorizationCode(ctx context.Context, code AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(keyCode, code.Code), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode removes the code and checks its PKCE binding.
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code, verifier string) (AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key(keyCode, code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AuthorizationCode{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	var rec AuthorizationCode
	if err := json.Unmarshal(data, &rec); err != nil {
		return AuthorizationCode{}, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	if rec.Expired(time.Now()) || !VerifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, verifier) {
		return AuthorizationCode{}, ErrNotFound
	}
	return rec, nil
}

// DeleteToken removes an access or refresh token.
func (s *RedisStore) DeleteToken(ctx context.Context, token string) error {
	for _, kind := range []string{keyAccess, keyRefresh} {
		n, err := s.client.Del(ctx, s.key(kind, token)).Result()
		if err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
	return ErrNotFound
}

// DeleteUserTokens removes all tokens belonging to userID using the
// per-user index set.
func (s *RedisStore) DeleteUserTokens(ctx context.Context, userID string) (int, error) {
	userKey := s.key(keyUser, userID)
	keys, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}
	removed := 0
	for _, key := range keys {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete user token: %w", err)
		}
		removed += int(n)
	}
	if err := s.client.Del(ctx, userKey).Err(); err != nil {
		return removed, fmt.Errorf("failed to delete user index: %w", err)
	}
	return removed, nil
}

// CleanupExpired removes refresh tokens whose access token is gone. Access
// tokens and codes expire through their Redis TTL.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	err := s.scan(ctx, keyRefresh, func(key string) error {
		var tok RefreshToken
		if err := s.getJSON(ctx, key, &tok); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		exists, err := s.client.Exists(ctx, s.key(keyAccess, tok.AccessToken)).Result()
		if err != nil {
			return fmt.Errorf("failed to check access token: %w", err)
		}
		if exists > 0 {
			return nil
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to delete orphaned refresh token: %w", err)
		}
		_ = s.client.SRem(ctx, s.key(keyUser, tok.UserID), key).Err()
		removed += int(n)
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, s.pruneUserIndexes(ctx)
}

// pruneUserIndexes drops index entries whose token has expired through its
// TTL or was deleted directly. An emptied set disappears with its last member.
func (s *RedisStore) pruneUserIndexes(ctx context.Context) error {
	return s.scan(ctx, keyUser, func(userKey string) error {
		members, err := s.client.SMembers(ctx, userKey).Result()
		if err != nil {
			return fmt.Errorf("failed to list user tokens: %w", err)
		}
		for _, member := range members {
			exists, err := s.client.Exists(ctx, member).Result()
			if err != nil {
				return fmt.Errorf("failed to check user token: %w", err)
			}
			if exists == 0 {
				if err := s.client.SRem(ctx, userKey, member).Err(); err != nil {
					return fmt.Errorf("failed to prune user index: %w", err)
				}
			}
		}
		return nil
	})
}

// Stats reports record counts by scanning each key kind.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		kind string
		dst  *int
	}{
		{keyAccess, &st.AccessTokens},
		{keyRefresh, &st.RefreshTokens},
		{keyCode, &st.AuthorizationCodes},
		{keyClient, &st.Clients},
	}
	for _, c := range counts {
		dst := c.dst
		if err := s.scan(ctx, c.kind, func(string) error {
			*dst++
			return nil
		}); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// SaveClient stores or replaces a client.
func (s *RedisStore) SaveClient(ctx context.Context, c Client) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyClient, c.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	return nil
}

// GetClient returns a registered client.
func (s *RedisStore) GetClient(ctx context.Context, id string) (Client, error) {
	var c Client
	if err := s.getJSON(ctx, s.key(keyClient, id), &c); err != nil {
		return Client{}, err
	}
	return c, nil
}

func (s *RedisStore) indexUser(ctx context.Context, userID, key string) error {
	if userID == "" {
		return nil
	}
	if err := s.client.SAdd(ctx, s.key(keyUser, userID), key).Err(); err != nil {
		return fmt.Errorf("failed to index user token: %w", err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) scan(ctx context.Context, kind string, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, s.key(kind, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s keys: %w", kind, err)
	}
	return nil
}
