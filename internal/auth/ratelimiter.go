package auth

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelrouter/modelrouter/internal/observability"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
)

// ClientRateLimiter applies a per-client token bucket, keyed by client IP.
// Limiters for idle clients are dropped after cleanupTTL to bound memory.
type ClientRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	lastSweep  time.Time
	limit      rate.Limit
	burst      int
	cleanupTTL time.Duration
	logger     *slog.Logger
}

// ClientRateLimiterConfig configures the per-client limiter.
type ClientRateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int           // defaults to max(rpm/6, 1)
	CleanupTTL        time.Duration // defaults to 10m
	Logger            *slog.Logger
}

// NewClientRateLimiter creates a limiter allowing rpm requests per minute
// per client.
func NewClientRateLimiter(cfg ClientRateLimiterConfig) *ClientRateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute / 6
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ClientRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		lastSweep:  time.Now(),
		limit:      rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:      cfg.Burst,
		cleanupTTL: cfg.CleanupTTL,
		logger:     cfg.Logger,
	}
}

// Allow reports whether the client may proceed now.
func (c *ClientRateLimiter) Allow(client string) bool {
	return c.limiterFor(client).Allow()
}

func (c *ClientRateLimiter) limiterFor(client string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	limiter, ok := c.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[client] = limiter
	}
	c.lastAccess[client] = now

	// Piggyback the idle sweep on lookups instead of a dedicated goroutine.
	if now.Sub(c.lastSweep) > c.cleanupTTL/2 {
		c.lastSweep = now
		for key, seen := range c.lastAccess {
			if now.Sub(seen) > c.cleanupTTL {
				delete(c.limiters, key)
				delete(c.lastAccess, key)
			}
		}
	}
	return limiter
}

// Middleware rejects over-limit clients with a 429 envelope.
func (c *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if !c.Allow(client) {
			requestID := observability.RequestIDFromContext(r.Context())
			c.logger.Warn("client rate limit exceeded",
				"request_id", requestID,
				"client", client,
			)
			w.Header().Set("Retry-After", "60")
			writeRejection(w, http.StatusTooManyRequests, llmerrors.CodeRateLimit, "client rate limit exceeded", requestID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by remote address host. The port is
// stripped so reconnects share one bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}
