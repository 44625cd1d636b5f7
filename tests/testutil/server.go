package testutil

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/modelrouter/modelrouter/internal/api"
	"github.com/modelrouter/modelrouter/internal/auth"
	"github.com/modelrouter/modelrouter/internal/observability"
	"github.com/modelrouter/modelrouter/internal/orchestrator"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/provider/openaicompat"
	"github.com/modelrouter/modelrouter/internal/router"
	"github.com/modelrouter/modelrouter/internal/state"
)

// Gateway is a fully wired gateway instance backed by miniredis, serving on
// an ephemeral port. Its middleware chain mirrors the production entry point.
type Gateway struct {
	Server *httptest.Server
	Redis  *miniredis.Miniredis
	Store  *state.Store

	redisClient *goredis.Client
}

// Option configures the test gateway.
type Option func(*options)

type upstream struct {
	name string
	url  string
}

type options struct {
	apiKey             string
	clientRateLimit    int
	firstChunkTimeout  time.Duration
	maxStreams         int
	providerRateLimits map[string]int
	upstreams          []upstream
}

// WithUpstream registers an OpenAI-compatible upstream. Registration order
// is routing priority.
func WithUpstream(name, url string) Option {
	return func(o *options) {
		o.upstreams = append(o.upstreams, upstream{name: name, url: url})
	}
}

// WithAPIKey enables client bearer authentication.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithClientRateLimit enables the per-client request limiter.
func WithClientRateLimit(perMinute int) Option {
	return func(o *options) { o.clientRateLimit = perMinute }
}

// WithFirstChunkTimeout tightens the streaming first-chunk deadline.
func WithFirstChunkTimeout(d time.Duration) Option {
	return func(o *options) { o.firstChunkTimeout = d }
}

// WithMaxConcurrentStreams caps simultaneous streams.
func WithMaxConcurrentStreams(n int) Option {
	return func(o *options) { o.maxStreams = n }
}

// WithProviderRateLimit sets a per-provider request budget.
func WithProviderRateLimit(name string, perMinute int) Option {
	return func(o *options) {
		if o.providerRateLimits == nil {
			o.providerRateLimits = make(map[string]int)
		}
		o.providerRateLimits[name] = perMinute
	}
}

// NewGateway assembles and starts a gateway. Callers own the returned
// instance and must Close it.
func NewGateway(opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := state.New(redisClient, "", logger)

	registry := provider.NewRegistry()
	for _, u := range o.upstreams {
		p := openaicompat.New(provider.Config{
			APIKey:  "mock-key",
			BaseURL: u.url,
			Timeout: 5 * time.Second,
		}, openaicompat.Info{
			Name:         u.name,
			DefaultModel: "mock-model",
		}, logger)
		if err := registry.Register(p); err != nil {
			mr.Close()
			return nil, err
		}
	}

	rt := router.New(registry, store, router.Config{
		FirstChunkTimeout:  o.firstChunkTimeout,
		ProviderRateLimits: o.providerRateLimits,
	}, logger)

	orch := orchestrator.New(rt, store, orchestrator.Config{
		MaxOperationTimeout:  15 * time.Second,
		MaxConcurrentStreams: o.maxStreams,
	}, logger)

	handler := api.NewHandler(orch, registry, store, nil, logger, "e2e")
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.MiddlewareConfig{
		APIKey:    o.apiKey,
		SkipPaths: []string{"/health", "/metrics"},
		Logger:    logger,
	})

	var clientLimiter *auth.ClientRateLimiter
	if o.clientRateLimit > 0 {
		clientLimiter = auth.NewClientRateLimiter(auth.ClientRateLimiterConfig{
			RequestsPerMinute: o.clientRateLimit,
			Logger:            logger,
		})
	}

	// Same chain as the server entry point: recovery outermost, then
	// CORS, request ID, client rate limit, auth, tracking.
	var h http.Handler = mux
	h = api.TrackingMiddleware(h)
	h = authMiddleware.Authenticate(h)
	if clientLimiter != nil {
		h = clientLimiter.Middleware(h)
	}
	h = observability.RequestIDMiddleware(h)
	h = api.CORSMiddleware(h)
	h = api.RecoverMiddleware(logger, true)(h)

	return &Gateway{
		Server:      httptest.NewServer(h),
		Redis:       mr,
		Store:       store,
		redisClient: redisClient,
	}, nil
}

// URL returns the gateway's base URL.
func (g *Gateway) URL() string {
	return g.Server.URL
}

// ResetState clears blacklists, failure counters, and rate-limit windows.
func (g *Gateway) ResetState() {
	g.Redis.FlushAll()
}

// Close stops the gateway and its backing state.
func (g *Gateway) Close() {
	g.Server.Close()
	_ = g.redisClient.Close()
	g.Redis.Close()
}
