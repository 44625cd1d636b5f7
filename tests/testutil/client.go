package testutil

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/modelrouter/modelrouter/internal/api"
	"github.com/modelrouter/modelrouter/pkg/types"
)

// Client is a thin typed wrapper over the gateway's HTTP surface.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{},
	}
}

// WithAPIKey returns a copy of the client that sends a bearer token.
func (c *Client) WithAPIKey(key string) *Client {
	clone := *c
	clone.apiKey = key
	return &clone
}

// ChatResult is the decoded outcome of a POST /chat call. Exactly one of
// Response and Envelope is set, depending on the status code.
type ChatResult struct {
	Status   int
	Header   http.Header
	Response *types.ChatResponse
	Envelope *api.ErrorEnvelope
}

// Chat performs a unary completion request.
func (c *Client) Chat(ctx context.Context, req *types.ChatRequest) (*ChatResult, error) {
	resp, err := c.post(ctx, "/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := &ChatResult{Status: resp.StatusCode, Header: resp.Header}
	if resp.StatusCode == http.StatusOK {
		result.Response = &types.ChatResponse{}
		return result, json.Unmarshal(body, result.Response)
	}
	result.Envelope = &api.ErrorEnvelope{}
	return result, json.Unmarshal(body, result.Envelope)
}

// StreamResult is the decoded outcome of a POST /stream call. For SSE
// responses Events holds the raw data payloads in arrival order, including
// the [DONE] marker. For plain HTTP rejections Envelope is set instead.
type StreamResult struct {
	Status      int
	ContentType string
	Events      []string
	Envelope    *api.ErrorEnvelope
}

// Chunks returns the content fragments, excluding the [DONE] marker and any
// trailing error event.
func (r *StreamResult) Chunks() []string {
	var chunks []string
	for _, ev := range r.Events {
		if ev == "[DONE]" || strings.HasPrefix(ev, "{") {
			continue
		}
		chunks = append(chunks, ev)
	}
	return chunks
}

// Done reports whether the stream finished with the [DONE] marker.
func (r *StreamResult) Done() bool {
	return len(r.Events) > 0 && r.Events[len(r.Events)-1] == "[DONE]"
}

// ErrorEvent decodes the trailing error event, if any.
func (r *StreamResult) ErrorEvent() *api.ErrorEnvelope {
	for _, ev := range r.Events {
		if !strings.HasPrefix(ev, "{") {
			continue
		}
		var envelope api.ErrorEnvelope
		if err := json.Unmarshal([]byte(ev), &envelope); err == nil && envelope.Error != "" {
			return &envelope
		}
	}
	return nil
}

// Stream performs a streaming completion request and drains it.
func (c *Client) Stream(ctx context.Context, req *types.ChatRequest) (*StreamResult, error) {
	resp, err := c.post(ctx, "/stream", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &StreamResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if !strings.HasPrefix(result.ContentType, "text/event-stream") {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		result.Envelope = &api.ErrorEnvelope{}
		return result, json.Unmarshal(body, result.Envelope)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		// Trailing whitespace is part of an SSE data payload; only the
		// line terminator (already stripped by the scanner) is framing.
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			result.Events = append(result.Events, data)
		}
	}
	return result, scanner.Err()
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, resp.StatusCode, err
	}
	return &health, resp.StatusCode, nil
}

// Metrics fetches the GET /metrics exposition body.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.http.Do(req)
}
