package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAuthenticate_DisabledWithoutKey(t *testing.T) {
	m := NewMiddleware(MiddlewareConfig{APIKey: "", Logger: quietLogger()})
	handler := m.Authenticate(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticate(t *testing.T) {
	m := NewMiddleware(MiddlewareConfig{APIKey: "secret", Logger: quietLogger()})
	handler := m.Authenticate(okHandler())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"missing header", "", http.StatusUnauthorized, "missing Authorization header"},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized, "invalid Authorization format"},
		{"no token", "Bearer", http.StatusUnauthorized, "invalid Authorization format"},
		{"too many parts", "Bearer one two", http.StatusUnauthorized, "invalid Authorization format"},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "invalid API key"},
		{"valid", "Bearer secret", http.StatusOK, "ok"},
		{"scheme is case-insensitive", "bearer secret", http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestAuthenticate_SkipPaths(t *testing.T) {
	m := NewMiddleware(MiddlewareConfig{
		APIKey:    "secret",
		SkipPaths: []string{"/health", "/metrics"},
		Logger:    quietLogger(),
	})
	handler := m.Authenticate(okHandler())

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "path %s must skip auth", path)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_RejectionBodyCarriesCode(t *testing.T) {
	m := NewMiddleware(MiddlewareConfig{APIKey: "secret", Logger: quietLogger()})
	handler := m.Authenticate(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"error":"UNAUTHORIZED"`)
}
