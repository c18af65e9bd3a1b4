// Package session binds each caller to one dedicated MCP subprocess.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"mcpgate/bridge"
)

// HeaderSessionID is the header a caller uses to name its session.
const HeaderSessionID = "Mcp-Session-Id"

var (
	// ErrNoPrincipal is returned when a session would be created anonymously.
	ErrNoPrincipal = errors.New("session: principal required")
	// ErrPrincipalMismatch is returned when a session id belongs to someone else.
	ErrPrincipalMismatch = errors.New("session: belongs to a different user")
)

// Principal is the authenticated caller a session is bound to.
type Principal struct {
	UserID             string
	UpstreamCredential string
	ClientID           string
	Scopes             []string
}

// Same reports whether p and o may share a session: the same user holding
// the same upstream credential.
func (p Principal) Same(o Principal) bool {
	return p.UserID == o.UserID && p.UpstreamCredential == o.UpstreamCredential
}

// HasScope reports whether scope was granted.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// DeriveID returns the caller-supplied session id when present. Otherwise the
// id is derived from the client address and user agent so repeated calls from
// one device land in one session. Distinct users behind the same address and
// agent derive the same id; the registry rejects the second principal rather
// than sharing the subprocess.
func DeriveID(header, clientIP, userAgent string) string {
	if header != "" {
		return header
	}
	sum := sha256.Sum256([]byte(clientIP + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}

// Session is one live subprocess and its protocol state.
type Session struct {
	ID        string
	Principal Principal
	CreatedAt time.Time

	bridge *bridge.Bridge
	proc   *Process

	mu            sync.Mutex
	lastActive    time.Time
	idleTimeout   time.Duration
	idleTimer     *time.Timer
	lifetimeTimer *time.Timer

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

// Bridge returns the session's protocol bridge.
func (s *Session) Bridge() *bridge.Bridge {
	return s.bridge
}

// Pid returns the subprocess id.
func (s *Session) Pid() int {
	return s.proc.Pid()
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Closed is closed when the session has been torn down.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// CloseReason returns why the session ended, or "" while it is live.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

func (s *Session) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.lifetimeTimer != nil {
		s.lifetimeTimer.Stop()
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) alive() bool {
	if s.isClosed() || s.proc.Exited() {
		return false
	}
	select {
	case <-s.bridge.Done():
		return false
	default:
		return true
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ClientID    string    `json:"client_id"`
	Pid         int       `json:"pid"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	Initialized bool      `json:"initialized"`
	Pending     int       `json:"pending"`
}

func (s *Session) info() Info {
	return Info{
		ID:          s.ID,
		UserID:      s.Principal.UserID,
		ClientID:    s.Principal.ClientID,
		Pid:         s.proc.Pid(),
		CreatedAt:   s.CreatedAt,
		LastActive:  s.LastActive(),
		Initialized: s.bridge.Initialized(),
		Pending:     s.bridge.Pending(),
	}
}
