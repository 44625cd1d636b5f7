package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/modelrouter/modelrouter/internal/provider"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

func testInfo() Info {
	return Info{
		Name:           "test-provider",
		DefaultBaseURL: "https://default.api.com/v1",
		DefaultModel:   "default-model",
	}
}

func testRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "Hello"},
		},
		MaxTokens:   128,
		Temperature: 0.7,
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         provider.Config
		wantBaseURL string
		wantModel   string
	}{
		{
			name:        "custom base URL and model",
			cfg:         provider.Config{BaseURL: "https://custom.api.com/v1/", Model: "custom-model"},
			wantBaseURL: "https://custom.api.com/v1",
			wantModel:   "custom-model",
		},
		{
			name:        "defaults from info",
			cfg:         provider.Config{},
			wantBaseURL: "https://default.api.com/v1",
			wantModel:   "default-model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, testInfo(), nil)
			if p.Name() != "test-provider" {
				t.Errorf("Name() = %v, want test-provider", p.Name())
			}
			if p.baseURL != tt.wantBaseURL {
				t.Errorf("baseURL = %v, want %v", p.baseURL, tt.wantBaseURL)
			}
			if p.model != tt.wantModel {
				t.Errorf("model = %v, want %v", p.model, tt.wantModel)
			}
		})
	}
}

func TestProvider_Generate(t *testing.T) {
	var gotPayload chatPayload
	var gotAuth, gotReferer string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %v, want /chat/completions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "served-model",
			"choices": [{"message": {"role": "assistant", "content": "Hi there!"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	info := testInfo()
	info.ExtraHeaders = map[string]string{"HTTP-Referer": "https://example.com"}
	p := New(provider.Config{APIKey: "test-key", BaseURL: server.URL}, info, nil)

	resp, err := p.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if resp.Text != "Hi there!" {
		t.Errorf("Text = %q, want %q", resp.Text, "Hi there!")
	}
	if resp.Provider != "test-provider" {
		t.Errorf("Provider = %v, want test-provider", resp.Provider)
	}
	if resp.Model != "served-model" {
		t.Errorf("Model = %v, want served-model", resp.Model)
	}
	if resp.ProviderMeta["tokens_total"] != 15 {
		t.Errorf("tokens_total = %v, want 15", resp.ProviderMeta["tokens_total"])
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", gotAuth)
	}
	if gotReferer != "https://example.com" {
		t.Errorf("HTTP-Referer = %q, want https://example.com", gotReferer)
	}
	if gotPayload.Model != "default-model" {
		t.Errorf("payload model = %v, want default-model", gotPayload.Model)
	}
	if gotPayload.MaxTokens != 128 {
		t.Errorf("payload max_tokens = %d, want 128", gotPayload.MaxTokens)
	}
	if gotPayload.Stream {
		t.Error("payload stream = true, want false")
	}
	if len(gotPayload.Messages) != 1 || gotPayload.Messages[0].Content != "Hello" {
		t.Errorf("payload messages = %+v", gotPayload.Messages)
	}
}

func TestProvider_Generate_NoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Error("Authorization header sent without an API key")
		}
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	}))
	defer server.Close()

	p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
	if _, err := p.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestProvider_Generate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      string
		wantRetriable bool
		wantMessage   string
	}{
		{
			name:          "rate limited with envelope",
			status:        http.StatusTooManyRequests,
			body:          `{"error": {"message": "slow down"}}`,
			wantCode:      llmerrors.CodeRateLimit,
			wantRetriable: true,
			wantMessage:   "slow down",
		},
		{
			name:          "server error",
			status:        http.StatusInternalServerError,
			body:          `upstream exploded`,
			wantCode:      llmerrors.CodeServerError,
			wantRetriable: true,
			wantMessage:   "upstream exploded",
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error": {"message": "bad key"}}`,
			wantCode: llmerrors.CodeUnauthorized,
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error": {"message": "context too long"}}`,
			wantCode: llmerrors.CodeBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
			_, err := p.Generate(context.Background(), testRequest())
			if err == nil {
				t.Fatal("Generate() error = nil, want ProviderError")
			}

			perr, ok := llmerrors.AsProviderError(err)
			if !ok {
				t.Fatalf("error %v is not a ProviderError", err)
			}
			if perr.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", perr.Code, tt.wantCode)
			}
			if perr.Retriable != tt.wantRetriable {
				t.Errorf("Retriable = %v, want %v", perr.Retriable, tt.wantRetriable)
			}
			if perr.Provider != "test-provider" {
				t.Errorf("Provider = %v, want test-provider", perr.Provider)
			}
			if tt.wantMessage != "" && perr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", perr.Message, tt.wantMessage)
			}
		})
	}
}

func TestProvider_Generate_InvalidResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not JSON", `<html>gateway error</html>`},
		{"no choices", `{"model": "m", "choices": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
			_, err := p.Generate(context.Background(), testRequest())

			perr, ok := llmerrors.AsProviderError(err)
			if !ok {
				t.Fatalf("error %v is not a ProviderError", err)
			}
			if perr.Code != llmerrors.CodeInvalidResponse {
				t.Errorf("Code = %v, want %v", perr.Code, llmerrors.CodeInvalidResponse)
			}
			if perr.Retriable {
				t.Error("Retriable = true, want false")
			}
		})
	}
}

func TestProvider_Stream(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`: keep-alive comment`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: not-json-at-all`,
		`data: {"choices":[]}`,
		`data: {"choices":[{"delta":{"content":""}}]}`,
		`data: {"choices":[{"delta":{"content":"!"}}]}`,
		`data: [DONE]`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if !payload.Stream {
			t.Error("payload stream = false, want true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
	stream, err := p.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		got = append(got, chunk)
	}

	want := []string{"Hel", "lo", "!"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Recv after the DONE marker keeps returning EOF.
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() after DONE = %v, want io.EOF", err)
	}
}

func TestProvider_Stream_EndsWithoutDoneMarker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n")
	}))
	defer server.Close()

	p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
	stream, err := p.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil || chunk != "partial" {
		t.Fatalf("Recv() = %q, %v, want partial, nil", chunk, err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() at upstream close = %v, want io.EOF", err)
	}
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "quota exhausted"}}`)
	}))
	defer server.Close()

	p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
	_, err := p.Stream(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Stream() error = nil, want ProviderError")
	}

	perr, ok := llmerrors.AsProviderError(err)
	if !ok {
		t.Fatalf("error %v is not a ProviderError", err)
	}
	if perr.Code != llmerrors.CodeRateLimit {
		t.Errorf("Code = %v, want %v", perr.Code, llmerrors.CodeRateLimit)
	}
	if perr.Message != "quota exhausted" {
		t.Errorf("Message = %q, want quota exhausted", perr.Message)
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	p := New(provider.Config{BaseURL: server.URL}, testInfo(), nil)
	stream, err := p.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
