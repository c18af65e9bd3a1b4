package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcpgate/bridge"
	"mcpgate/metrics"
)

// Default session timings.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultMaxLifetime   = 8 * time.Hour
	DefaultSweepInterval = 30 * time.Second
)

// Close reasons, also used as metric labels.
const (
	ReasonIdle     = "idle"
	ReasonLifetime = "lifetime"
	ReasonExited   = "exited"
	ReasonDeleted  = "deleted"
	ReasonLogout   = "logout"
	ReasonShutdown = "shutdown"
	ReasonReplaced = "replaced"
)

// Config holds session limits and the options every bridge is built with.
type Config struct {
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	SweepInterval  time.Duration
	TerminateGrace time.Duration
	Bridge         bridge.Options
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
}

// Registry maps session ids to live sessions. Its mutex guards only the map;
// spawning, writing and waiting all happen outside it.
type Registry struct {
	cfg     Config
	spawner Spawner
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	group    singleflight.Group

	terminating sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewRegistry creates a registry and starts its sweep loop.
func NewRegistry(cfg Config, spawner Spawner, logger *slog.Logger) *Registry {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:      cfg,
		spawner:  spawner,
		logger:   logger,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go r.sweepLoop()
	return r
}

// GetOrCreate returns the live session for id, spawning one bound to p when
// none exists. A session is never handed to a principal other than the one
// it was created for.
func (r *Registry) GetOrCreate(ctx context.Context, id string, p Principal) (*Session, error) {
	if p.UserID == "" {
		return nil, ErrNoPrincipal
	}

	if s, ok := r.lookup(id); ok {
		if !s.Principal.Same(p) {
			return nil, ErrPrincipalMismatch
		}
		if s.alive() {
			s.touch(r.now())
			return s, nil
		}
		r.cleanup(s, ReasonExited)
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if existing, ok := r.lookup(id); ok && existing.alive() {
			return existing, nil
		}
		return r.spawn(ctx, id, p)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if !s.Principal.Same(p) {
		return nil, ErrPrincipalMismatch
	}
	s.touch(r.now())
	return s, nil
}

// Get returns the session for id without creating or touching it.
func (r *Registry) Get(id string) (*Session, bool) {
	return r.lookup(id)
}

func (r *Registry) lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) spawn(ctx context.Context, id string, p Principal) (*Session, error) {
	proc, err := r.spawner.Spawn(ctx, id, p)
	if err != nil {
		return nil, fmt.Errorf("spawn session subprocess: %w", err)
	}

	opts := r.cfg.Bridge
	opts.SessionID = id
	opts.Logger = r.logger
	now := r.now()
	s := &Session{
		ID:          id,
		Principal:   p,
		CreatedAt:   now,
		bridge:      bridge.New(proc.Stdin, proc.Stdout, opts),
		proc:        proc,
		lastActive:  now,
		idleTimeout: r.cfg.IdleTimeout,
		closed:      make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if prev != nil {
		r.cleanup(prev, ReasonReplaced)
	}

	// Armed after insertion so a firing timer always finds the entry.
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(r.cfg.IdleTimeout, func() { r.cleanup(s, ReasonIdle) })
	s.lifetimeTimer = time.AfterFunc(r.cfg.MaxLifetime, func() { r.cleanup(s, ReasonLifetime) })
	s.mu.Unlock()

	go r.watch(s)

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	r.logger.Info("session created", "session_id", id, "user_id", p.UserID, "client_id", p.ClientID, "pid", proc.Pid())
	return s, nil
}

// watch tears the session down when its process exits or its output ends.
func (r *Registry) watch(s *Session) {
	select {
	case <-s.proc.Done():
		r.cleanup(s, ReasonExited)
	case <-s.bridge.Done():
		r.cleanup(s, ReasonExited)
	case <-s.closed:
	}
}

// Cleanup tears down the session for id. It reports whether a session was found.
func (r *Registry) Cleanup(id, reason string) bool {
	s, ok := r.lookup(id)
	if !ok {
		return false
	}
	r.cleanup(s, reason)
	return true
}

// Close tears down s itself, leaving alone any newer session that has
// since taken over its id.
func (r *Registry) Close(s *Session, reason string) {
	r.cleanup(s, reason)
}

// cleanup is idempotent per session and safe from any trigger. The process
// is terminated even when closing its bridge stalls.
func (r *Registry) cleanup(s *Session, reason string) {
	s.closeOnce.Do(func() {
		s.stopTimers()
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()

		r.mu.Lock()
		if r.sessions[s.ID] == s {
			delete(r.sessions, s.ID)
		}
		r.mu.Unlock()
		close(s.closed)

		bridgeClosed := make(chan struct{})
		r.terminating.Add(1)
		go func() {
			defer r.terminating.Done()
			select {
			case <-bridgeClosed:
			case <-time.After(r.cfg.TerminateGrace):
				r.logger.Warn("bridge close stalled, terminating anyway", "session_id", s.ID)
			}
			s.proc.Terminate(r.cfg.TerminateGrace)
		}()
		go func() {
			s.bridge.Close(reason)
			close(bridgeClosed)
		}()

		metrics.SessionsActive.Dec()
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
		r.logger.Info("session closed",
			"session_id", s.ID,
			"user_id", s.Principal.UserID,
			"reason", reason,
			"age_ms", r.now().Sub(s.CreatedAt).Milliseconds(),
		)
	})
}

// CloseUser ends every session belonging to userID and returns how many.
func (r *Registry) CloseUser(userID, reason string) int {
	var victims []*Session
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.Principal.UserID == userID {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()
	for _, s := range victims {
		r.cleanup(s, reason)
	}
	return len(victims)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountUser returns the number of live sessions belonging to userID.
func (r *Registry) CountUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.Principal.UserID == userID {
			n++
		}
	}
	return n
}

// List returns a snapshot of all sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep re-checks every session in case a timer or watcher was missed.
func (r *Registry) sweep() {
	now := r.now()
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		switch {
		case now.Sub(s.CreatedAt) >= r.cfg.MaxLifetime:
			r.cleanup(s, ReasonLifetime)
		case !s.alive():
			r.cleanup(s, ReasonExited)
		case now.Sub(s.LastActive()) >= r.cfg.IdleTimeout:
			r.cleanup(s, ReasonIdle)
		}
	}
}

// Shutdown closes every session and waits for their processes to exit or
// for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		r.cleanup(s, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.terminating.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
