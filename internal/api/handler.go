// Package api provides the HTTP surface of the gateway: chat completion,
// streaming, health, and metrics endpoints, plus the middleware stack that
// fronts them.
package api

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrouter/modelrouter/internal/httputil"
	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/observability"
	"github.com/modelrouter/modelrouter/internal/orchestrator"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/state"
	"github.com/modelrouter/modelrouter/internal/streaming"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

// maxRequestBodyBytes caps incoming chat request bodies.
const maxRequestBodyBytes int64 = 1 * 1024 * 1024

// ErrorEnvelope is the JSON error body shared by every endpoint. The
// streaming path emits the same shape as a trailing SSE event.
type ErrorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Providers map[string]string `json:"providers"`
}

// Handler serves the gateway's HTTP endpoints.
type Handler struct {
	orch     *orchestrator.Orchestrator
	registry *provider.Registry
	store    *state.Store
	tracer   trace.Tracer
	logger   *slog.Logger
	version  string
}

// NewHandler creates an API handler. A nil tracer falls back to the global
// tracer, which is a no-op unless tracing has been initialized.
func NewHandler(orch *orchestrator.Orchestrator, registry *provider.Registry, store *state.Store, tracer trace.Tracer, logger *slog.Logger, version string) *Handler {
	if tracer == nil {
		tracer = otel.Tracer(observability.TracerName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:     orch,
		registry: registry,
		store:    store,
		tracer:   tracer,
		logger:   logger,
		version:  version,
	}
}

// RegisterRoutes mounts all gateway endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", h.Chat)
	mux.HandleFunc("POST /stream", h.Stream)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Chat handles POST /chat: one full completion, no streaming.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())

	req, ok := h.decodeRequest(w, r, requestID)
	if !ok {
		return
	}

	h.logger.Info("chat request received",
		"request_id", requestID,
		"num_messages", len(req.Messages),
		"max_tokens", req.MaxTokens,
	)

	ctx, span := observability.StartRequestSpan(r.Context(), h.tracer, "chat", observability.RequestSpanAttributes{
		RequestID:   requestID,
		Provider:    req.Provider,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	defer span.End()

	resp, err := h.orch.GenerateResponse(ctx, req, requestID)
	if err != nil {
		observability.RecordSpanError(span, err)
		h.writeError(w, requestID, err)
		return
	}
	observability.RecordProvider(span, resp.Provider)

	if tokens, ok := responseTokens(resp); ok {
		metrics.TokensGenerated.WithLabelValues(resp.Provider).Observe(tokens)
	}
	h.logger.Info("chat request complete",
		"request_id", requestID,
		"provider", resp.Provider,
		"text_length", len(resp.Text),
	)
	h.writeJSON(w, http.StatusOK, resp)
}

// Stream handles POST /stream. Once the SSE response has started, every
// failure is delivered as an error event on the stream, never as an HTTP
// status; request parsing still fails the plain-HTTP way.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())

	req, ok := h.decodeRequest(w, r, requestID)
	if !ok {
		return
	}
	req.Stream = true

	h.logger.Info("stream request received",
		"request_id", requestID,
		"num_messages", len(req.Messages),
		"max_tokens", req.MaxTokens,
	)

	forwarder, err := streaming.NewForwarder(w, requestID, h.logger)
	if err != nil {
		h.writeEnvelope(w, http.StatusInternalServerError, llmerrors.CodeUnknown, "streaming unsupported by connection", requestID)
		return
	}

	ctx, span := observability.StartRequestSpan(r.Context(), h.tracer, "chat_stream", observability.RequestSpanAttributes{
		RequestID:   requestID,
		Provider:    req.Provider,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	defer span.End()

	stream, err := h.orch.StreamResponse(ctx, req, requestID)
	if err != nil {
		observability.RecordSpanError(span, err)
		h.logger.Warn("stream never started",
			"request_id", requestID,
			"error", err,
		)
		forwarder.Fail(err)
		return
	}
	defer stream.Close()
	observability.RecordProvider(span, stream.Provider())

	if err := forwarder.Forward(stream); err != nil {
		observability.RecordSpanError(span, err)
		h.logger.Warn("stream ended with error",
			"request_id", requestID,
			"provider", stream.Provider(),
			"error", err,
		)
		return
	}
	h.logger.Info("stream request complete",
		"request_id", requestID,
		"provider", stream.Provider(),
	)
}

// Health handles GET /health: liveness plus the quarantine state of every
// registered provider, read directly from the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())

	providers := make(map[string]string)
	for _, p := range h.registry.List() {
		blacklisted, err := h.store.IsBlacklisted(r.Context(), p.Name())
		if err != nil {
			h.logger.Error("health check store read failed",
				"provider", p.Name(),
				"error", err,
			)
			h.writeEnvelope(w, http.StatusInternalServerError, llmerrors.CodeUnknown, "state store unavailable", requestID)
			return
		}
		if blacklisted {
			providers[p.Name()] = "blacklisted"
		} else {
			providers[p.Name()] = "available"
		}
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Providers: providers,
	})
}

// decodeRequest reads, parses, defaults, and validates the request body.
// On failure it writes a 400 envelope and reports false.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, requestID string) (*types.ChatRequest, bool) {
	defer r.Body.Close()

	body, err := httputil.ReadBody(r.Body, maxRequestBodyBytes)
	if err != nil {
		h.writeEnvelope(w, http.StatusBadRequest, llmerrors.CodeBadRequest, "failed to read request body: "+err.Error(), requestID)
		return nil, false
	}

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeEnvelope(w, http.StatusBadRequest, llmerrors.CodeBadRequest, "invalid JSON: "+err.Error(), requestID)
		return nil, false
	}

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		h.writeEnvelope(w, http.StatusBadRequest, llmerrors.CodeBadRequest, err.Error(), requestID)
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeError(w http.ResponseWriter, requestID string, err error) {
	code := llmerrors.CodeUnknown
	message := err.Error()
	if perr, ok := llmerrors.AsProviderError(err); ok {
		code = perr.Code
		message = perr.Message
	}
	h.writeEnvelope(w, llmerrors.HTTPStatus(code), code, message, requestID)
}

func (h *Handler) writeEnvelope(w http.ResponseWriter, status int, code, message, requestID string) {
	h.writeJSON(w, status, ErrorEnvelope{
		Error:     code,
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("write response body failed", "error", err)
	}
}

// responseTokens extracts the provider-reported completion token count.
// OpenAI-compatible upstreams report tokens_total; Ollama reports
// eval_count.
func responseTokens(resp *types.ChatResponse) (float64, bool) {
	for _, key := range []string{"tokens_total", "eval_count"} {
		if v, ok := resp.ProviderMeta[key]; ok {
			switch n := v.(type) {
			case int:
				return float64(n), true
			case int64:
				return float64(n), true
			case float64:
				return n, true
			}
		}
	}
	return 0, false
}
