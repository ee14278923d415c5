package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/orbitrack/internal/metrics"
)

// RateLimitConfig configures the per-IP request limiter.
type RateLimitConfig struct {
	Enabled    bool
	RPS        float64 // sustained requests per second per IP
	Burst      int
	TrustProxy bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	r        rate.Limit
	b        int
	idleTTL  time.Duration
}

// NewIPRateLimiter creates a limiter allowing r requests per second with
// bursts of b per IP.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		r:        r,
		b:        b,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether a request from ip may proceed now.
func (l *IPRateLimiter) Allow(ip string) bool {
	return l.limiter(ip).Allow()
}

func (l *IPRateLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.r, l.b)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Sweep drops buckets that have been idle longer than the idle TTL and
// returns how many were removed.
func (l *IPRateLimiter) Sweep() int {
	cutoff := time.Now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// RateLimitMiddleware rejects requests over the per-IP rate with 429.
// Probe and metrics paths are never limited.
func RateLimitMiddleware(cfg RateLimitConfig, l *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || l == nil {
			return next
		}
		retryAfter := "1"
		if cfg.RPS > 0 && cfg.RPS < 1 {
			retryAfter = strconv.Itoa(int(1/cfg.RPS + 0.5))
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			if !l.Allow(ClientIP(r, cfg.TrustProxy)) {
				metrics.IncRateLimited()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
