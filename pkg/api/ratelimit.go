package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client key.
// Idle buckets are evicted so the map does not grow without bound.
type clientLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientBucket
	limit        rate.Limit
	burst        int
	idleTTL      time.Duration
	requestCount int
	cleanupEvery int
	now          func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int, idleTTL time.Duration) *clientLimiter {
	return &clientLimiter{
		clients:      make(map[string]*clientBucket),
		limit:        limit,
		burst:        burst,
		idleTTL:      idleTTL,
		cleanupEvery: 100,
		now:          time.Now,
	}
}

func (cl *clientLimiter) allow(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()

	cl.requestCount++
	if cl.requestCount%cl.cleanupEvery == 0 {
		cl.evictIdle(now)
		cl.requestCount = 0
	}

	b, ok := cl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (cl *clientLimiter) evictIdle(now time.Time) {
	for key, b := range cl.clients {
		if now.Sub(b.lastSeen) > cl.idleTTL {
			delete(cl.clients, key)
		}
	}
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		if !h.limiter.allow(clientIP(r)) {
			h.handleError(w, r, errRateLimited, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the first X-Forwarded-For entry, falling back to RemoteAddr
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
