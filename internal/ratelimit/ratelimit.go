// Package ratelimit provides per-consumer token bucket limiting for the
// sandbox upstream. Rejections look like those of Kong's rate-limiting
// plugin, so pollers see the same 429 they would get behind a real gateway.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/kongjwt/internal/apierror"
	"github.com/dskow/kongjwt/internal/metrics"
)

const (
	staleAfter    = 3 * time.Minute
	sweepInterval = time.Minute
)

// KeyFunc picks the bucket a request is charged to. An empty key means the
// request is anonymous.
type KeyFunc func(r *http.Request) string

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per key. Buckets idle for a few minutes
// are dropped during later insertions.
type Limiter struct {
	mu        sync.RWMutex
	clients   map[string]*client
	rate      rate.Limit
	burst     int
	key       KeyFunc
	logger    *slog.Logger
	now       func() time.Time
	lastSweep time.Time
}

// New creates a Limiter allowing requestsPerSecond per key with the given
// burst. A nil key charges requests to their client IP.
func New(requestsPerSecond float64, burst int, key KeyFunc, logger *slog.Logger) *Limiter {
	if key == nil {
		key = ClientIP
	}
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		key:     key,
		logger:  logger,
		now:     time.Now,
	}
	l.lastSweep = l.now()
	return l
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an HTTP middleware that enforces the limit.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	retryAfter := "1"
	if l.rate > 0 {
		retryAfter = strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(l.rate)))))
	}
	limit := strconv.Itoa(l.burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.key(r)
			if !l.getLimiter(key).Allow() {
				label := key
				if label == "" {
					label = "anonymous"
				}
				l.logger.Warn("rate limit exceeded", "key", label, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(label).Inc()

				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("RateLimit-Limit", limit)
				w.Header().Set("RateLimit-Remaining", "0")
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimited, apierror.MsgRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getLimiter returns or creates the bucket for key. rate.Limiter is safe
// for concurrent use, so Allow is called outside the lock.
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	now := l.now()

	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Refreshing lastSeen once a minute is enough to stay ahead of staleAfter.
		if now.Sub(c.lastSeen) > sweepInterval {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = now
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[key]; exists {
		c.lastSeen = now
		return c.limiter
	}

	if now.Sub(l.lastSweep) > sweepInterval {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > staleAfter {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: now}
	return limiter
}

// size returns the number of tracked buckets.
func (l *Limiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}
