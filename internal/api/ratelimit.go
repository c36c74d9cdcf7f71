package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/foxzi/ordermail/internal/metrics"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleTTL         = 10 * time.Minute
)

// rateLimiterEntry is the token bucket of one client
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitStore keeps a limiter per client IP
type rateLimitStore struct {
	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry
	cleanup  *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

func newRateLimitStore() *rateLimitStore {
	store := &rateLimitStore{
		limiters: make(map[string]*rateLimiterEntry),
		cleanup:  time.NewTicker(limiterCleanupInterval),
		done:     make(chan struct{}),
	}
	go store.cleanupOldEntries()
	return store
}

// Stop stops the cleanup goroutine
func (r *rateLimitStore) Stop() {
	r.stopOnce.Do(func() {
		r.cleanup.Stop()
		close(r.done)
	})
}

func (r *rateLimitStore) cleanupOldEntries() {
	for {
		select {
		case <-r.done:
			return
		case now := <-r.cleanup.C:
			r.mu.Lock()
			for ip, entry := range r.limiters {
				if now.Sub(entry.lastSeen) > limiterIdleTTL {
					delete(r.limiters, ip)
				}
			}
			r.mu.Unlock()
		}
	}
}

// getLimiter returns the limiter for ip, creating one that allows
// requestsPerMinute with an equal burst
func (r *rateLimitStore) getLimiter(ip string, requestsPerMinute int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.limiters[ip]
	if !ok {
		interval := time.Minute / time.Duration(requestsPerMinute)
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rate.Every(interval), requestsPerMinute)}
		r.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// clientIP returns the request's client address. RealIP has already
// applied forwarding headers to RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.getLimiter(clientIP(r), requestsPerMinute).Allow() {
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				metrics.IncRateLimited(route)
				s.logger.Warn("rate limit exceeded", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				s.sendError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
