package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VenkatGGG/autosolve-go/pkg/httpx"
)

func (s *Server) withAPISecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresRateLimit(r) || s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !s.rateLimiter.Allow(requestClientIdentity(r), time.Now()) {
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requiresRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch strings.TrimSpace(r.URL.Path) {
	case "/v1/solve", "/v1/tasks/cancel":
		return true
	default:
		return false
	}
}

// requestAPIKey returns the AutoSolve API key the caller wants to use, from
// X-API-Key or a bearer Authorization header.
func requestAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func requestClientIdentity(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if raw != "" {
		return raw
	}
	return "unknown"
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientRateLimiter gives every client a token bucket refilled at
// perMinute per minute with a burst of perMinute.
type clientRateLimiter struct {
	mu        sync.Mutex
	perMinute int
	clients   map[string]*clientLimiter
}

func newClientRateLimiter(perMinute int) *clientRateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &clientRateLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*clientLimiter),
	}
}

func (l *clientRateLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.clients[key]
	if !ok {
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.clients[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.pruneLocked(now)
	return allowed
}

func (l *clientRateLimiter) pruneLocked(now time.Time) {
	// Keep map bounded during long runs.
	if len(l.clients) < 1000 {
		return
	}
	cutoff := now.Add(-2 * time.Minute)
	for key, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}
