// Package auth guards the gateway's endpoints with a shared bearer secret
// and an optional per-client rate limit. There are no users or keys to
// manage: one secret admits every caller.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/modelrouter/modelrouter/internal/observability"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
)

// Middleware validates the Authorization header against the configured
// API key. An empty key disables validation entirely (development mode).
type Middleware struct {
	apiKey    string
	skipPaths map[string]bool
	logger    *slog.Logger
}

// MiddlewareConfig configures the auth middleware.
type MiddlewareConfig struct {
	APIKey    string
	SkipPaths []string // paths served without auth (e.g. /health, /metrics)
	Logger    *slog.Logger
}

// NewMiddleware creates an authentication middleware.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		apiKey:    cfg.APIKey,
		skipPaths: skipPaths,
		logger:    logger,
	}
}

// Authenticate returns a middleware enforcing the bearer secret.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey == "" || m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			m.reject(w, r, "missing Authorization header")
			return
		}

		token, ok := parseBearer(header)
		if !ok {
			m.reject(w, r, "invalid Authorization format, expected: Bearer <token>")
			return
		}

		if token != m.apiKey {
			m.reject(w, r, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// parseBearer extracts the token from "Bearer <token>". The scheme match
// is case-insensitive.
func parseBearer(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, message string) {
	requestID := observability.RequestIDFromContext(r.Context())
	m.logger.Warn("request rejected",
		"request_id", requestID,
		"path", r.URL.Path,
		"reason", message,
	)
	writeRejection(w, http.StatusUnauthorized, llmerrors.CodeUnauthorized, message, requestID)
}

func writeRejection(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      code,
		"message":    message,
		"request_id": requestID,
	})
}
