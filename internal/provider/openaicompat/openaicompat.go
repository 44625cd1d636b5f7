// Package openaicompat implements the shared adapter for providers that speak
// OpenAI's chat completions wire format. Groq, OpenRouter, and any provider
// declared in the providers file differ only in endpoint, default model, and
// extra headers; everything else lives here.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrouter/modelrouter/internal/httputil"
	"github.com/modelrouter/modelrouter/internal/provider"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

const (
	// maxErrorBody bounds how much of an upstream error body is read into
	// the error message.
	maxErrorBody = 8 << 10

	// maxResponseBody caps a unary completion body. Anything larger is not
	// a completion.
	maxResponseBody = 10 << 20
)

// Info contains the per-provider variations on the shared wire format.
type Info struct {
	// Name is the provider identifier (e.g. "groq").
	Name string

	// DefaultBaseURL is used when the configuration does not override it.
	DefaultBaseURL string

	// DefaultModel is used when neither the request nor the configuration
	// names a model.
	DefaultModel string

	// ChatEndpoint is the completions path. Default: "/chat/completions".
	ChatEndpoint string

	// ExtraHeaders are added to every request (e.g. OpenRouter attribution).
	ExtraHeaders map[string]string
}

// Provider is a generic OpenAI-compatible adapter.
type Provider struct {
	info    Info
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New creates an adapter from the resolved configuration and the provider's
// wire-format info.
func New(cfg provider.Config, info Info, logger *slog.Logger) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = info.DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := cfg.Model
	if model == "" {
		model = info.DefaultModel
	}

	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(cfg.Timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		info:    info,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		timeout: cfg.Timeout,
		client:  client,
		logger:  logger,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.info.Name
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

func (p *Provider) buildPayload(req *types.ChatRequest, stream bool) chatPayload {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	return chatPayload{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *Provider) newRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := p.info.ChatEndpoint
	if endpoint == "" {
		endpoint = "/chat/completions"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.info.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// mapError converts an upstream non-200 response into a ProviderError,
// preferring the message inside the OpenAI-style error envelope.
func (p *Provider) mapError(status int, body []byte) *llmerrors.ProviderError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := body
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = []byte(envelope.Error.Message)
	}
	return llmerrors.FromHTTPStatus(p.info.Name, status, message)
}

type chatCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens           int `json:"prompt_tokens"`
		CompletionTokens       int `json:"completion_tokens"`
		TotalTokens            int `json:"total_tokens"`
		NativePromptTokens     int `json:"native_tokens_prompt"`
		NativeCompletionTokens int `json:"native_tokens_completion"`
	} `json:"usage"`
}

// Generate performs a unary completion.
func (p *Provider) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	httpReq, err := p.newRequest(ctx, p.buildPayload(req, false))
	if err != nil {
		return nil, llmerrors.NewUnknownError(p.info.Name, err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llmerrors.FromTransport(p.info.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, p.mapError(resp.StatusCode, body)
	}

	body, err := httputil.ReadBody(resp.Body, maxResponseBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, llmerrors.NewInvalidResponseError(p.info.Name, err.Error())
		}
		return nil, llmerrors.FromTransport(p.info.Name, err)
	}

	var parsed chatCompletion
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, llmerrors.NewInvalidResponseError(p.info.Name, fmt.Sprintf("malformed completion body: %s", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, llmerrors.NewInvalidResponseError(p.info.Name, "completion contained no choices")
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}

	meta := map[string]any{
		"model":             model,
		"tokens_prompt":     parsed.Usage.PromptTokens,
		"tokens_completion": parsed.Usage.CompletionTokens,
		"tokens_total":      parsed.Usage.TotalTokens,
	}
	if parsed.Usage.NativePromptTokens > 0 {
		meta["native_tokens_prompt"] = parsed.Usage.NativePromptTokens
	}
	if parsed.Usage.NativeCompletionTokens > 0 {
		meta["native_tokens_completion"] = parsed.Usage.NativeCompletionTokens
	}

	return &types.ChatResponse{
		Text:         parsed.Choices[0].Message.Content,
		Provider:     p.info.Name,
		Model:        model,
		ProviderMeta: meta,
	}, nil
}

// Stream starts a streaming completion and returns the decoded chunk
// sequence. The stream's lifetime is governed by ctx and Close; no overall
// timeout is applied here.
func (p *Provider) Stream(ctx context.Context, req *types.ChatRequest) (provider.ChunkStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	httpReq, err := p.newRequest(ctx, p.buildPayload(req, true))
	if err != nil {
		cancel()
		return nil, llmerrors.NewUnknownError(p.info.Name, err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, llmerrors.FromTransport(p.info.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, p.mapError(resp.StatusCode, body)
	}

	return newSSEStream(resp.Body, cancel, p.info.Name, p.logger), nil
}

// sseStream decodes OpenAI-style server-sent events into text fragments.
type sseStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	provider  string
	logger    *slog.Logger
	closeOnce sync.Once
	finished  bool
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc, providerName string, logger *slog.Logger) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), 4096*4)
	return &sseStream{
		body:     body,
		scanner:  scanner,
		cancel:   cancel,
		provider: providerName,
		logger:   logger,
	}
}

// Recv returns the next non-empty content fragment. Blank lines and SSE
// comments are skipped; malformed JSON payloads are logged and skipped
// rather than failing the stream.
func (s *sseStream) Recv() (string, error) {
	if s.finished {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			s.finished = true
			return "", io.EOF
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.logger.Warn("skipping malformed stream chunk",
				"provider", s.provider,
				"error", err,
			)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.finished = true
		return "", llmerrors.FromTransport(s.provider, err)
	}

	// Upstream closed without [DONE]; treat as normal end of stream.
	s.finished = true
	return "", io.EOF
}

// Close cancels the request context and releases the upstream connection.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
