package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deedledger/observability"
)

const limiterIdleTTL = 5 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter applies a token bucket per client address.
type sourceLimiter struct {
	perSecond rate.Limit
	burst     int
	nowFn     func() time.Time

	mu        sync.Mutex
	visitors  map[string]*limiterEntry
	lastSweep time.Time
}

func newSourceLimiter(perSecond float64, burst int, nowFn func() time.Time) *sourceLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &sourceLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		nowFn:     nowFn,
		visitors:  make(map[string]*limiterEntry),
	}
}

func (l *sourceLimiter) Allow(source string) bool {
	if source == "" {
		source = "unknown"
	}
	now := l.nowFn()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		for id, entry := range l.visitors {
			if now.Sub(entry.lastSeen) >= limiterIdleTTL {
				delete(l.visitors, id)
			}
		}
		l.lastSweep = now
	}
	entry, ok := l.visitors[source]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[source] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := clientSource(r, s.cfg.TrustProxyHeaders)
		if !s.limiter.Allow(source) {
			observability.ModuleMetrics().RecordThrottle(metricsModule, "rate_limit")
			w.Header().Set("Content-Type", "application/json")
			writeError(w, nil, newError(http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", source))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientSource identifies the caller for rate limiting. Forwarding headers
// are only honoured behind a trusted proxy.
func clientSource(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			candidate := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
