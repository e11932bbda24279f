package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	// GlobalRPS caps the whole server. Zero disables the global limit.
	GlobalRPS   float64
	GlobalBurst int
	// ClientRPS caps each client address. Zero disables per-client limits.
	ClientRPS   float64
	ClientBurst int
	// TrustedProxies lists addresses or CIDRs whose forwarding headers are
	// honoured when resolving the client address.
	TrustedProxies []string
}

type rateLimiter struct {
	global      *rate.Limiter
	clientRate  rate.Limit
	clientBurst int
	idleAfter   time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		clients:   make(map[string]*clientLimiter),
		idleAfter: 10 * time.Minute,
		now:       time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstFor(cfg.GlobalRPS, cfg.GlobalBurst))
	}
	if cfg.ClientRPS > 0 {
		rl.clientRate = rate.Limit(cfg.ClientRPS)
		rl.clientBurst = burstFor(cfg.ClientRPS, cfg.ClientBurst)
	}
	return rl
}

func burstFor(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if rps < 1 {
		return 1
	}
	return int(rps)
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowClient(key string) bool {
	if r == nil || r.clientRate == 0 {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	now := r.now()
	r.mu.Lock()
	client, ok := r.clients[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(r.clientRate, r.clientBurst)}
		r.clients[key] = client
	}
	client.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()
	return client.limiter.AllowN(now, 1)
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-r.idleAfter)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

// rateLimitMiddleware sheds load with 429. Probes are exempt so orchestrators
// can always reach them.
func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.AllowRequest() {
				w.Header().Set("Retry-After", "1")
				writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
				return
			}
			ip, _ := resolveClientIP(r, resolver)
			if !rl.AllowClient(ip) {
				if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
					requestLogger.Warn("client rate limited")
				}
				w.Header().Set("Retry-After", "1")
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
