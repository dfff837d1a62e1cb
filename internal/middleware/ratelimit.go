package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerIPRateLimiter keeps one token bucket per client IP.
type PerIPRateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*ipLimiter
	now      func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewPerIPRateLimiter(requestsPerSecond float64, burstSize int) *PerIPRateLimiter {
	return &PerIPRateLimiter{
		rps:      rate.Limit(requestsPerSecond),
		burst:    burstSize,
		limiters: make(map[string]*ipLimiter),
		now:      time.Now,
	}
}

func (p *PerIPRateLimiter) allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.limiters[ip] = l
	}
	l.lastSeen = p.now()
	p.mu.Unlock()
	return l.limiter.Allow()
}

// Middleware rejects requests over the client's rate with 429.
func (p *PerIPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.allow(getClientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": "Rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup forgets clients idle for longer than idle and returns how many
// were removed.
func (p *PerIPRateLimiter) Cleanup(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-idle)
	removed := 0
	for ip, l := range p.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(p.limiters, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (p *PerIPRateLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
