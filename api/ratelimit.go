package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// rateLimitWindow and rateLimitBurst implement the 500-per-15-minute
// per-IP token bucket from spec §5.
const (
	rateLimitBurst  = 500
	rateLimitWindow = 15 * time.Minute
)

// PerIPLimiter hands out one token-bucket limiter per client IP, created
// lazily and swept once an hour to bound memory under a churning client
// population.
type PerIPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerIPLimiter builds a limiter set and starts its sweeper.
func NewPerIPLimiter() *PerIPLimiter {
	l := &PerIPLimiter{limiters: make(map[string]*ipLimiterEntry)}
	go l.sweepLoop()
	return l
}

// Allow reports whether ip may proceed now, consuming a token if so.
func (l *PerIPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitBurst), rateLimitBurst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *PerIPLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-2 * rateLimitWindow)
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

// clientIP extracts the request's source IP, preferring RemoteAddr's host
// part over trusting proxy headers this system doesn't validate.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware enforces PerIPLimiter on every request except GETs
// (status endpoints are exempt per spec §5) and skips entirely in test
// mode.
func RateLimitMiddleware(limiter *PerIPLimiter, env *core.EnvConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if env != nil && env.IsTestMode() {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(clientIP(r)) {
				writeError(w, r, core.NewError("api.RateLimitMiddleware", core.CodeRateLimited, "too many requests", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
