package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestKeys(t *testing.T) *KeyManager {
	t.Helper()
	keys, err := NewKeyManager(KeyConfig{SecretsPath: t.TempDir()}, discardLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	return keys
}

func TestAccessTokenRoundTrip(t *testing.T) {
	codec := NewTokenCodec(newTestKeys(t), "https://gw.example.com", "https://gw.example.com/mcp", time.Minute)

	token, exp, err := codec.GenerateAccessToken("alice", "client-1", []string{"mcp", "extra"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if time.Until(exp) > time.Minute || time.Until(exp) < 50*time.Second {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := codec.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != "alice" || claims.ClientID != "client-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if got := claims.Scopes(); len(got) != 2 || got[0] != "mcp" || got[1] != "extra" {
		t.Fatalf("unexpected scopes %v", got)
	}
	if claims.ID == "" {
		t.Fatalf("expected a jti")
	}

	again, _, err := codec.GenerateAccessToken("alice", "client-1", []string{"mcp"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if again == token {
		t.Fatalf("tokens for the same grant must differ")
	}
}

func TestAccessTokenRejections(t *testing.T) {
	keys := newTestKeys(t)
	codec := NewTokenCodec(keys, "https://gw.example.com", "https://gw.example.com/mcp", time.Minute)

	expired := NewTokenCodec(keys, "https://gw.example.com", "https://gw.example.com/mcp", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.GenerateAccessToken("alice", "c", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	otherAudience := NewTokenCodec(keys, "https://gw.example.com", "https://other.example.com/mcp", time.Minute)
	foreign, _, _ := otherAudience.GenerateAccessToken("alice", "c", nil)

	otherIssuer := NewTokenCodec(keys, "https://evil.example.com", "https://gw.example.com/mcp", time.Minute)
	forged, _, _ := otherIssuer.GenerateAccessToken("alice", "c", nil)

	otherKeys := NewTokenCodec(newTestKeys(t), "https://gw.example.com", "https://gw.example.com/mcp", time.Minute)
	unsigned, _, _ := otherKeys.GenerateAccessToken("alice", "c", nil)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "https://gw.example.com",
		Audience:  jwt.ClaimStrings{"https://gw.example.com/mcp"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	for name, tok := range map[string]string{
		"expired":     old,
		"audience":    foreign,
		"issuer":      forged,
		"unknown key": unsigned,
		"alg none":    noneToken,
		"garbage":     "not.a.jwt",
		"opaque":      "abc",
		"truncated":   old[:len(old)-4],
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := codec.VerifyAccessToken(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestKeyRotationKeepsPreviousKey(t *testing.T) {
	keys := newTestKeys(t)
	codec := NewTokenCodec(keys, "iss", "aud", time.Minute)

	first, _, err := codec.GenerateAccessToken("alice", "c", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	firstKID := keys.CurrentKID()

	if err := keys.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if keys.CurrentKID() == firstKID {
		t.Fatalf("rotation must change the kid")
	}
	if _, err := codec.VerifyAccessToken(first); err != nil {
		t.Fatalf("token from previous key should verify: %v", err)
	}

	if err := keys.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := codec.VerifyAccessToken(first); err == nil {
		t.Fatalf("token from a retired key should not verify")
	}
}

func TestKeysPersistAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	keys, err := NewKeyManager(KeyConfig{SecretsPath: dir}, discardLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	token, _, err := NewTokenCodec(keys, "iss", "aud", time.Minute).GenerateAccessToken("alice", "c", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, signingKeyFile))
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file should be private, got %v", info.Mode().Perm())
	}

	reloaded, err := NewKeyManager(KeyConfig{SecretsPath: dir}, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.CurrentKID() != keys.CurrentKID() {
		t.Fatalf("expected kid %s after reload, got %s", keys.CurrentKID(), reloaded.CurrentKID())
	}
	if _, err := NewTokenCodec(reloaded, "iss", "aud", time.Minute).VerifyAccessToken(token); err != nil {
		t.Fatalf("token should survive a restart: %v", err)
	}
}

func TestFixedSigningSecret(t *testing.T) {
	secret := strings.Repeat("s", 32)
	a, err := NewKeyManager(KeyConfig{Secret: secret, SecretsPath: t.TempDir()}, discardLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	b, err := NewKeyManager(KeyConfig{Secret: secret}, discardLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	token, _, err := NewTokenCodec(a, "iss", "aud", time.Minute).GenerateAccessToken("alice", "c", nil)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if _, err := NewTokenCodec(b, "iss", "aud", time.Minute).VerifyAccessToken(token); err != nil {
		t.Fatalf("instances sharing a secret should verify each other's tokens: %v", err)
	}
}

func TestRefreshTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := GenerateRefreshToken()
		if err != nil {
			t.Fatalf("GenerateRefreshToken: %v", err)
		}
		if len(tok) < 43 {
			t.Fatalf("refresh token too short: %q", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate refresh token")
		}
		seen[tok] = true
	}
}
