// Package testutil provides the fixtures shared by the end-to-end tests: an
// OpenAI-compatible mock upstream and a fully assembled gateway wired the
// same way the server entry point wires it.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// RecordedRequest captures one upstream call for assertions.
type RecordedRequest struct {
	Path    string
	Body    []byte
	Headers http.Header
}

// MockResponse scripts the upstream's answer to a single request. A zero
// value produces a default unary completion.
type MockResponse struct {
	// Content is the unary completion text. Ignored for streaming
	// requests when Chunks is set.
	Content string

	// Chunks are the streamed content fragments. Unset streaming
	// requests fall back to Content as a single fragment.
	Chunks []string

	// Status, when not 0 or 200, turns the response into an OpenAI-style
	// error envelope with ErrMessage.
	Status     int
	ErrMessage string

	// FirstChunkDelay holds back the start of a streamed response.
	FirstChunkDelay time.Duration
}

// MockLLM simulates an OpenAI-compatible chat completions upstream. Scripted
// responses are consumed in FIFO order; an empty queue yields a default
// completion so incidental requests never hang.
type MockLLM struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
	queue    []MockResponse

	// StreamDelay spaces out stream fragments after the first one.
	StreamDelay time.Duration
}

// NewMockLLM creates and starts a mock upstream.
func NewMockLLM() *MockLLM {
	m := &MockLLM{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", m.handleChatCompletions)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock upstream's base URL.
func (m *MockLLM) URL() string {
	return m.server.URL
}

// Close shuts down the mock upstream.
func (m *MockLLM) Close() {
	m.server.Close()
}

// Queue appends a scripted response.
func (m *MockLLM) Queue(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
}

// QueueContent appends a plain completion.
func (m *MockLLM) QueueContent(content string) {
	m.Queue(MockResponse{Content: content})
}

// QueueError appends an error response.
func (m *MockLLM) QueueError(status int, message string) {
	m.Queue(MockResponse{Status: status, ErrMessage: message})
}

// Requests returns a copy of all recorded upstream calls.
func (m *MockLLM) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns how many calls the upstream has received.
func (m *MockLLM) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and scripted responses.
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.queue = nil
	m.StreamDelay = 0
}

func (m *MockLLM) record(r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
	})
}

func (m *MockLLM) next() MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return MockResponse{Content: "mock completion"}
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp
}

func (m *MockLLM) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.record(r, body)

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(body, &req)

	scripted := m.next()
	if scripted.Status != 0 && scripted.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(scripted.Status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": scripted.ErrMessage},
		})
		return
	}

	if req.Stream {
		m.streamResponse(w, r, req.Model, scripted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    "cmpl-mock",
		"model": req.Model,
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": scripted.Content}},
		},
		"usage": map[string]int{
			"prompt_tokens":     7,
			"completion_tokens": len(scripted.Content) / 4,
			"total_tokens":      7 + len(scripted.Content)/4,
		},
	})
}

func (m *MockLLM) streamResponse(w http.ResponseWriter, r *http.Request, model string, scripted MockResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The stream is accepted at this point; the delay holds back its first
	// element, not the acceptance.
	if scripted.FirstChunkDelay > 0 {
		select {
		case <-time.After(scripted.FirstChunkDelay):
		case <-r.Context().Done():
			// The gateway abandoned this candidate; stop early so the
			// test server can shut down promptly.
			return
		}
	}

	chunks := scripted.Chunks
	if len(chunks) == 0 {
		chunks = []string{scripted.Content}
	}

	m.mu.Lock()
	delay := m.StreamDelay
	m.mu.Unlock()

	for i, chunk := range chunks {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		payload, _ := json.Marshal(map[string]any{
			"model": model,
			"choices": []map[string]any{
				{"delta": map[string]string{"content": chunk}},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
