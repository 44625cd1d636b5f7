package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/modelrouter/modelrouter/internal/orchestrator"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/router"
	"github.com/modelrouter/modelrouter/internal/state"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

type fakeStream struct {
	chunks []string
	err    error
	idx    int
}

func (s *fakeStream) Recv() (string, error) {
	if s.idx < len(s.chunks) {
		chunk := s.chunks[s.idx]
		s.idx++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	name        string
	response    *types.ChatResponse
	generateErr error
	chunks      []string
	streamErr   error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if p.generateErr != nil {
		return nil, p.generateErr
	}
	return p.response, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *types.ChatRequest) (provider.ChunkStream, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return &fakeStream{chunks: p.chunks}, nil
}

func newTestServer(t *testing.T, providers ...provider.Provider) (http.Handler, *miniredis.Miniredis, *state.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := provider.NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}

	store := state.New(client, "", logger)
	rt := router.New(reg, store, router.Config{}, logger)
	orch := orchestrator.New(rt, store, orchestrator.Config{}, logger)
	handler := NewHandler(orch, reg, store, nil, logger, "test")

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux, mr, store
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func TestChat_ReturnsCompletion(t *testing.T) {
	alpha := &fakeProvider{
		name: "alpha",
		response: &types.ChatResponse{
			Text:         "hello there",
			Provider:     "alpha",
			Model:        "test-model",
			ProviderMeta: map[string]any{"tokens_total": 7},
		},
	}
	h, _, _ := newTestServer(t, alpha)

	rec := postJSON(t, h, "/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /chat status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var resp types.ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Provider != "alpha" {
		t.Fatalf("provider = %q", resp.Provider)
	}
}

func TestChat_RejectsInvalidJSON(t *testing.T) {
	h, _, _ := newTestServer(t, &fakeProvider{name: "alpha"})

	rec := postJSON(t, h, "/chat", `{"messages": [`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error != "BAD_REQUEST" {
		t.Fatalf("error = %q", env.Error)
	}
	if !strings.Contains(env.Message, "invalid JSON") {
		t.Fatalf("message = %q", env.Message)
	}
}

func TestChat_RejectsEmptyMessages(t *testing.T) {
	h, _, _ := newTestServer(t, &fakeProvider{name: "alpha"})

	rec := postJSON(t, h, "/chat", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != "BAD_REQUEST" {
		t.Fatalf("error = %q", env.Error)
	}
}

func TestChat_MapsUpstreamFailureToStatus(t *testing.T) {
	alpha := &fakeProvider{
		name:        "alpha",
		generateErr: llmerrors.NewServerError("alpha", "upstream down"),
	}
	h, _, _ := newTestServer(t, alpha)

	rec := postJSON(t, h, "/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Error != "ALL_PROVIDERS_FAILED" {
		t.Fatalf("error = %q", env.Error)
	}
}

func TestChat_RejectsUnknownPinnedProvider(t *testing.T) {
	h, _, _ := newTestServer(t, &fakeProvider{name: "alpha"})

	rec := postJSON(t, h, "/chat", `{"messages":[{"role":"user","content":"hi"}],"provider":"ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env := decodeEnvelope(t, rec); env.Error != "INVALID_PROVIDER" {
		t.Fatalf("error = %q", env.Error)
	}
}

func TestStream_DeliversChunksAsSSE(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", chunks: []string{"hel", "lo"}}
	h, _, _ := newTestServer(t, alpha)

	rec := postJSON(t, h, "/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	want := "data: hel\n\ndata: lo\n\ndata: [DONE]\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestStream_FailureDeliveredAsErrorEvent(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", streamErr: llmerrors.NewServerError("alpha", "upstream down")}
	h, _, _ := newTestServer(t, alpha)

	rec := postJSON(t, h, "/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream failures must keep the 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"error":"ALL_PROVIDERS_FAILED"`) {
		t.Fatalf("body = %q", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("failed stream must not carry the done marker: %q", body)
	}
}

func TestStream_ValidationStillFailsPlainHTTP(t *testing.T) {
	h, _, _ := newTestServer(t, &fakeProvider{name: "alpha"})

	rec := postJSON(t, h, "/stream", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestHealth_ReportsProviderStates(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	beta := &fakeProvider{name: "beta"}
	h, _, store := newTestServer(t, alpha, beta)

	if err := store.Blacklist(context.Background(), "beta", time.Minute); err != nil {
		t.Fatalf("blacklist beta: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", rec.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("status = %q", health.Status)
	}
	if health.Version != "test" {
		t.Fatalf("version = %q", health.Version)
	}
	if health.Providers["alpha"] != "available" {
		t.Fatalf("alpha = %q", health.Providers["alpha"])
	}
	if health.Providers["beta"] != "blacklisted" {
		t.Fatalf("beta = %q", health.Providers["beta"])
	}
}

func TestHealth_StoreUnavailable(t *testing.T) {
	h, mr, _ := newTestServer(t, &fakeProvider{name: "alpha"})
	mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	h, _, _ := newTestServer(t, &fakeProvider{name: "alpha"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected metrics exposition output")
	}
}
