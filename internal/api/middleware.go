package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/observability"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
)

// RecoverMiddleware turns handler panics into a 500 envelope. In
// development mode the envelope message carries the panic value;
// otherwise it stays generic.
func RecoverMiddleware(logger *slog.Logger, development bool) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				requestID := observability.RequestIDFromContext(r.Context())
				logger.Error("panic recovered",
					"request_id", requestID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)

				message := "internal server error"
				if development {
					message = fmt.Sprintf("panic: %v", rec)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(ErrorEnvelope{
					Error:     llmerrors.CodeUnknown,
					Message:   message,
					RequestID: requestID,
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware applies a permissive cross-origin policy: any origin,
// credentials allowed, preflights answered with 204.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the final status code and passes Flush through
// so SSE keeps working behind the middleware stack.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// TrackingMiddleware records per-route request counts and latency and adds
// the X-Process-Time header.
func TrackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		// For streams this covers the whole body, not just the headers.
		defer func() {
			elapsed := time.Since(start)
			metrics.RequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(recorder.status)).Inc()
			metrics.RequestLatency.WithLabelValues(r.URL.Path).Observe(elapsed.Seconds())
		}()

		trailer := &processTimeWriter{statusRecorder: recorder, start: start}
		next.ServeHTTP(trailer, r)
	})
}

// processTimeWriter stamps X-Process-Time just before the first header
// write, when the elapsed time is actually known.
type processTimeWriter struct {
	*statusRecorder
	start   time.Time
	stamped bool
}

func (p *processTimeWriter) WriteHeader(code int) {
	if !p.stamped {
		p.stamped = true
		p.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(p.start).Seconds(), 'f', -1, 64))
	}
	p.statusRecorder.WriteHeader(code)
}

func (p *processTimeWriter) Write(b []byte) (int, error) {
	if !p.stamped {
		p.WriteHeader(http.StatusOK)
	}
	return p.statusRecorder.Write(b)
}

func (p *processTimeWriter) Flush() {
	p.statusRecorder.Flush()
}
