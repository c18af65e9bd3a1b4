package server

import (
	"container/list"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimitIdle = 30 * time.Minute

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket. The least recently used key is
// evicted once maxEntries keys are tracked.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewRateLimiter builds a limiter from cfg. A zero rate disables limiting.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(cfg.RequestsPerSecond),
		burst:      burst,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		if back := rl.lru.Back(); back != nil {
			evicted := back.Value.(*limiterEntry)
			delete(rl.entries, evicted.key)
			rl.lru.Remove(back)
			rl.logger.Debug("rate limiter eviction", "key", evicted.key, "entries", len(rl.entries))
		}
	}

	entry := &limiterEntry{key: key, limiter: rate.NewLimiter(rl.limit, rl.burst), lastAccess: now}
	rl.entries[key] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// Cleanup drops keys idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// StartCleanup runs Cleanup periodically until stop is closed.
func (rl *RateLimiter) StartCleanup(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(rateLimitIdle)
			case <-stop:
				return
			}
		}
	}()
}

// RateLimitMiddleware rejects callers over their per-IP budget.
func (a *App) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, a.Config.Server.TrustProxyHeaders)
		if !a.Limiter.Allow(ip) {
			a.Logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(1))
			oauthError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
