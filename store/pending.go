package store

import (
	"context"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long an upstream login may take.
const DefaultPendingTTL = 10 * time.Minute

// PendingUpstreamExchange is the gateway's half of an in-flight upstream
// login. It is keyed by the nonce sent to the upstream provider as state and
// carries the gateway's own PKCE verifier, which is unrelated to the
// downstream client's challenge.
type PendingUpstreamExchange struct {
	Nonce               string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	State               string
	UpstreamVerifier    string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// PendingExchanges is a TTL map of in-flight upstream logins. Entries are
// single use; expiry is checked on lookup and by Sweep.
type PendingExchanges struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingUpstreamExchange
	now     func() time.Time
}

// NewPendingExchanges creates an empty map with the given TTL.
func NewPendingExchanges(ttl time.Duration) *PendingExchanges {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingExchanges{
		ttl:     ttl,
		entries: make(map[string]PendingUpstreamExchange),
		now:     time.Now,
	}
}

// Put records a pending exchange, stamping its creation and expiry.
func (p *PendingExchanges) Put(_ context.Context, ex PendingUpstreamExchange) error {
	now := p.now()
	ex.CreatedAt = now
	ex.ExpiresAt = now.Add(p.ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[ex.Nonce] = ex
	return nil
}

// Take removes and returns the exchange for nonce if it has not expired.
func (p *PendingExchanges) Take(_ context.Context, nonce string) (PendingUpstreamExchange, error) {
	p.mu.Lock()
	ex, ok := p.entries[nonce]
	delete(p.entries, nonce)
	p.mu.Unlock()

	if !ok || !p.now().Before(ex.ExpiresAt) {
		return PendingUpstreamExchange{}, ErrNotFound
	}
	return ex, nil
}

// Sweep drops expired entries and returns how many were removed.
func (p *PendingExchanges) Sweep() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for nonce, ex := range p.entries {
		if !now.Before(ex.ExpiresAt) {
			delete(p.entries, nonce)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (p *PendingExchanges) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
