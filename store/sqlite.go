package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStore persists records in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serialises writers, so every transaction below is
	// atomic with respect to concurrent callers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("create migrations sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoreAccessToken stores or replaces an access token record.
func (s *SQLiteStore) StoreAccessToken(ctx context.Context, tok AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (token, upstream_credential, user_id, client_id, scopes, refresh_token, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			upstream_credential = excluded.upstream_credential,
			user_id = excluded.user_id,
			client_id = excluded.client_id,
			scopes = excluded.scopes,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		tok.Token, tok.UpstreamCredential, tok.UserID, tok.ClientID,
		joinScopes(tok.Scopes), tok.RefreshToken, toMillis(tok.ExpiresAt), toMillis(tok.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}
	return nil
}

// GetAccessToken returns a live access token record.
func (s *SQLiteStore) GetAccessToken(ctx context.Context, token string) (AccessToken, error) {
	var (
		tok                  AccessToken
		scopes               string
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, upstream_credential, user_id, client_id, scopes, refresh_token, expires_at, created_at
		FROM access_tokens WHERE token = ?`, token,
	).Scan(&tok.Token, &tok.UpstreamCredential, &tok.UserID, &tok.ClientID, &scopes, &tok.RefreshToken, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessToken{}, ErrNotFound
	}
	if err != nil {
		return AccessToken{}, fmt.Errorf("querying access token: %w", err)
	}
	tok.Scopes = splitScopes(scopes)
	tok.ExpiresAt = fromMillis(expiresAt)
	tok.CreatedAt = fromMillis(createdAt)

	if tok.Expired(time.Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token = ?`, token); err != nil {
			return AccessToken{}, fmt.Errorf("deleting expired access token: %w", err)
		}
		return AccessToken{}, ErrNotFound
	}
	return tok, nil
}

// StoreRefreshToken stores a refresh token record.
func (s *SQLiteStore) StoreRefreshToken(ctx context.Context, tok RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, user_id, client_id, scopes, access_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tok.Token, tok.UserID, tok.ClientID, joinScopes(tok.Scopes), tok.AccessToken, toMillis(tok.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	var (
		tok       RefreshToken
		scopes    string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, client_id, scopes, access_token, created_at
		FROM refresh_tokens WHERE token = ?`, token,
	).Scan(&tok.Token, &tok.UserID, &tok.ClientID, &scopes, &tok.AccessToken, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("querying refresh token: %w", err)
	}
	tok.Scopes = splitScopes(scopes)
	tok.CreatedAt = fromMillis(createdAt)
	return tok, nil
}

// RevokeRefreshToken deletes the refresh token and its linked access token.
func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var accessToken string
	err = tx.QueryRowContext(ctx, `SELECT access_token FROM refresh_tokens WHERE token = ?`, token).Scan(&accessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying refresh token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM access_tokens WHERE token = ?`, accessToken); err != nil {
		return fmt.Errorf("deleting linked access token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// StoreAuthorizationCode stores a freshly issued code.
func (s *SQLiteStore) StoreAuthorizationCode(ctx context.Context, code AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (code, user_id, upstream_credential, client_id, redirect_uri,
			code_challenge, code_challenge_method, scopes, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.UserID, code.UpstreamCredential, code.ClientID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod, joinScopes(code.Scopes), toMillis(code.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode removes the code and checks its PKCE binding.
func (s *SQLiteStore) ConsumeAuthorizationCode(ctx context.Context, code, verifier string) (AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var (
		rec       AuthorizationCode
		scopes    string
		expiresAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT code, user_id, upstream_credential, client_id, redirect_uri,
			code_challenge, code_challenge_method, scopes, expires_at
		FROM authorization_codes WHERE code = ?`, code,
	).Scan(&rec.Code, &rec.UserID, &rec.UpstreamCredential, &rec.ClientID, &rec.RedirectURI,
		&rec.CodeChallenge, &rec.CodeChallengeMethod, &scopes, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationCode{}, ErrNotFound
	}
	if err != nil {
		return AuthorizationCode{}, fmt.Errorf("querying authorization code: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM authorization_codes WHERE code = ?`, code); err != nil {
		return AuthorizationCode{}, fmt.Errorf("deleting authorization code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AuthorizationCode{}, fmt.Errorf("committing transaction: %w", err)
	}

	rec.Scopes = splitScopes(scopes)
	rec.ExpiresAt = fromMillis(expiresAt)
	if rec.Expired(time.Now()) || !VerifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, verifier) {
		return AuthorizationCode{}, ErrNotFound
	}
	return rec, nil
}

// DeleteToken removes an access or refresh token.
func (s *SQLiteStore) DeleteToken(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var removed int64
	for _, q := range []string{
		`DELETE FROM access_tokens WHERE token = ?`,
		`DELETE FROM refresh_tokens WHERE token = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, token)
		if err != nil {
			return fmt.Errorf("deleting token: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUserTokens removes all tokens belonging to userID.
func (s *SQLiteStore) DeleteUserTokens(ctx context.Context, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var removed int64
	for _, q := range []string{
		`DELETE FROM access_tokens WHERE user_id = ?`,
		`DELETE FROM refresh_tokens WHERE user_id = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, userID)
		if err != nil {
			return 0, fmt.Errorf("deleting user tokens: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(removed), nil
}

// CleanupExpired sweeps expired and orphaned records.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	now := toMillis(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var removed int64
	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM access_tokens WHERE expires_at > 0 AND expires_at <= ?`, []any{now}},
		{`DELETE FROM authorization_codes WHERE expires_at <= ?`, []any{now}},
		{`DELETE FROM refresh_tokens WHERE access_token NOT IN (SELECT token FROM access_tokens)`, nil},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return 0, fmt.Errorf("cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(removed), nil
}

// Stats reports record counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM access_tokens),
			(SELECT COUNT(*) FROM refresh_tokens),
			(SELECT COUNT(*) FROM authorization_codes),
			(SELECT COUNT(*) FROM clients)`,
	).Scan(&st.AccessTokens, &st.RefreshTokens, &st.AuthorizationCodes, &st.Clients)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return st, nil
}

// SaveClient stores or replaces a client.
func (s *SQLiteStore) SaveClient(ctx context.Context, c Client) error {
	redirects, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}
	grants, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant types: %w", err)
	}
	responses, err := json.Marshal(c.ResponseTypes)
	if err != nil {
		return fmt.Errorf("encoding response types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, secret_hash, client_name, redirect_uris, grant_types,
			response_types, scope, token_endpoint_auth_method, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			client_name = excluded.client_name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			scope = excluded.scope,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method`,
		c.ID, c.SecretHash, c.ClientName, string(redirects), string(grants),
		string(responses), c.Scope, c.TokenEndpointAuthMethod, toMillis(c.IssuedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

// GetClient returns a registered client.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (Client, error) {
	var (
		c                             Client
		redirects, grants, responses string
		issuedAt                      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, secret_hash, client_name, redirect_uris, grant_types,
			response_types, scope, token_endpoint_auth_method, issued_at
		FROM clients WHERE client_id = ?`, id,
	).Scan(&c.ID, &c.SecretHash, &c.ClientName, &redirects, &grants,
		&responses, &c.Scope, &c.TokenEndpointAuthMethod, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("querying client: %w", err)
	}
	if err := json.Unmarshal([]byte(redirects), &c.RedirectURIs); err != nil {
		return Client{}, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if err := json.Unmarshal([]byte(grants), &c.GrantTypes); err != nil {
		return Client{}, fmt.Errorf("decoding grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(responses), &c.ResponseTypes); err != nil {
		return Client{}, fmt.Errorf("decoding response types: %w", err)
	}
	c.IssuedAt = fromMillis(issuedAt)
	return c, nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
