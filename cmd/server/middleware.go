package main

import (
	"log/slog"
	"net/http"

	"github.com/modelrouter/modelrouter/internal/api"
	"github.com/modelrouter/modelrouter/internal/auth"
	"github.com/modelrouter/modelrouter/internal/config"
	"github.com/modelrouter/modelrouter/internal/observability"
)

// buildMiddlewareStack assembles the HTTP middleware chain. Request order is
// recovery, CORS, request ID, client rate limiting, authentication,
// tracking; recovery sits outermost so a panic anywhere below it still
// becomes a JSON error response.
func buildMiddlewareStack(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	authMiddleware := auth.NewMiddleware(auth.MiddlewareConfig{
		APIKey:    cfg.APIKey,
		SkipPaths: []string{"/health", "/metrics"},
		Logger:    logger,
	})
	if cfg.APIKey == "" {
		logger.Warn("client authentication disabled; set API_KEY to require bearer tokens")
	} else {
		logger.Info("client authentication enabled")
	}

	var clientLimiter *auth.ClientRateLimiter
	if cfg.ClientRateLimitPerMinute > 0 {
		clientLimiter = auth.NewClientRateLimiter(auth.ClientRateLimiterConfig{
			RequestsPerMinute: cfg.ClientRateLimitPerMinute,
			Logger:            logger,
		})
		logger.Info("client rate limiting enabled",
			"requests_per_minute", cfg.ClientRateLimitPerMinute)
	}

	recovery := api.RecoverMiddleware(logger, cfg.IsDevelopment())

	return func(next http.Handler) http.Handler {
		// Wrapping is innermost first, so the chain reads bottom-up.
		handler := next
		handler = api.TrackingMiddleware(handler)
		handler = authMiddleware.Authenticate(handler)
		if clientLimiter != nil {
			handler = clientLimiter.Middleware(handler)
		}
		handler = observability.RequestIDMiddleware(handler)
		handler = api.CORSMiddleware(handler)
		handler = recovery(handler)
		return handler
	}
}
