package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const signingKeyFile = "signing-keys.json"

type hmacKey struct {
	Secret    []byte
	JWK       jose.JSONWebKey
	Kid       string
	CreatedAt time.Time
}

// KeyConfig locates and seeds the access-token signing keys.
type KeyConfig struct {
	// Secret pins a single key and disables persistence and rotation.
	Secret         string
	SecretsPath    string
	RotateInterval time.Duration
}

// KeyManager holds the HS256 signing key set. Rotated-out keys keep
// verifying until they fall off the set.
type KeyManager struct {
	mu          sync.RWMutex
	current     hmacKey
	previous    []hmacKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeyManager loads or creates signing keys.
func NewKeyManager(cfg KeyConfig, logger *slog.Logger) (*KeyManager, error) {
	m := &KeyManager{logger: logger}

	if cfg.Secret != "" {
		m.current = newHMACKey([]byte(cfg.Secret), fixedKID(cfg.Secret))
		return m, nil
	}

	m.rotateEvery = cfg.RotateInterval
	if cfg.SecretsPath != "" {
		m.storePath = filepath.Join(cfg.SecretsPath, signingKeyFile)
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}

	if m.current.Secret == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates the current key on a ticker until stop is closed.
func (m *KeyManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("signing key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key and stamps its kid.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.Secret)
}

// Keyfunc resolves the verification key by kid.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return m.current.Secret, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return prev.Secret, nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// CurrentKID returns the kid new tokens are signed with.
func (m *KeyManager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Kid
}

func (m *KeyManager) rotate() error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	key := newHMACKey(secret, randomKID())

	m.mu.Lock()
	if m.current.Secret != nil {
		m.previous = append([]hmacKey{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = key
	m.mu.Unlock()

	if m.storePath != "" {
		if err := m.persist(); err != nil {
			return err
		}
	}
	m.logger.Info("signing key rotated", "kid", key.Kid)
	return nil
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *KeyManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	var loaded []hmacKey
	for _, key := range set.Keys {
		secret, ok := key.Key.([]byte)
		if !ok || len(secret) == 0 {
			continue
		}
		loaded = append(loaded, hmacKey{Secret: secret, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()})
	}
	if len(loaded) == 0 {
		return errors.New("no oct keys in key set")
	}
	m.current = loaded[0]
	m.previous = loaded[1:]
	return nil
}

func newHMACKey(secret []byte, kid string) hmacKey {
	return hmacKey{
		Secret:    secret,
		JWK:       jose.JSONWebKey{Key: secret, KeyID: kid, Algorithm: string(jose.HS256), Use: "sig"},
		Kid:       kid,
		CreatedAt: time.Now(),
	}
}

func fixedKID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
