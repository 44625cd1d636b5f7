// Package ollama implements the adapter for a local Ollama instance.
// Ollama's /api/generate endpoint takes a single flattened prompt instead of
// a message array and streams newline-delimited JSON objects rather than SSE.
// API Reference: https://github.com/ollama/ollama/blob/main/docs/api.md
package ollama

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
	// ProviderName is the identifier for this provider.
	ProviderName = "ollama"

	// DefaultBaseURL assumes an Ollama daemon on the local machine.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when neither the request nor the configuration
	// names a model.
	DefaultModel = "llama3.2:1b"

	// generateEndpoint is the completion path. Ollama also offers /api/chat,
	// but /api/generate keeps the adapter independent of the daemon version.
	generateEndpoint = "/api/generate"

	maxErrorBody    = 8 << 10
	maxResponseBody = 10 << 20
)

// Provider adapts Ollama's generate API to the common provider contract.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New creates a new Ollama provider instance. A local daemon needs no API
// key; one is only sent when configured (e.g. Ollama behind a reverse proxy).
func New(cfg provider.Config, logger *slog.Logger) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(cfg.Timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
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
	return ProviderName
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type generatePayload struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

// flattenPrompt folds the chat history into a single role-prefixed prompt,
// one line per message.
func flattenPrompt(messages []types.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch m.Role {
		case types.RoleSystem:
			b.WriteString("System: ")
		case types.RoleUser:
			b.WriteString("User: ")
		case types.RoleAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func (p *Provider) buildPayload(req *types.ChatRequest, stream bool) generatePayload {
	model := req.Model
	if model == "" {
		model = p.model
	}

	return generatePayload{
		Model:  model,
		Prompt: flattenPrompt(req.Messages),
		Stream: stream,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
		},
	}
}

func (p *Provider) newRequest(ctx context.Context, payload generatePayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+generateEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return httpReq, nil
}

// mapError converts an upstream non-200 response into a ProviderError,
// preferring the message inside Ollama's {"error": "..."} envelope.
func (p *Provider) mapError(status int, body []byte) *llmerrors.ProviderError {
	var envelope struct {
		Error string `json:"error"`
	}
	message := body
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		message = []byte(envelope.Error)
	}
	return llmerrors.FromHTTPStatus(ProviderName, status, message)
}

// generateResult is a single /api/generate object; during streaming each
// line is one of these. Response is a pointer so a missing field can be
// told apart from an empty completion.
type generateResult struct {
	Model           string  `json:"model"`
	Response        *string `json:"response"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration"`
	LoadDuration    int64   `json:"load_duration"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
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
		return nil, llmerrors.NewUnknownError(ProviderName, err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llmerrors.FromTransport(ProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, p.mapError(resp.StatusCode, body)
	}

	body, err := httputil.ReadBody(resp.Body, maxResponseBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, llmerrors.NewInvalidResponseError(ProviderName, err.Error())
		}
		return nil, llmerrors.FromTransport(ProviderName, err)
	}

	var parsed generateResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, llmerrors.NewInvalidResponseError(ProviderName, fmt.Sprintf("malformed generate body: %s", err))
	}
	if parsed.Response == nil {
		return nil, llmerrors.NewInvalidResponseError(ProviderName, "generate body contained no response field")
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}

	meta := map[string]any{
		"model":             model,
		"total_duration":    parsed.TotalDuration,
		"load_duration":     parsed.LoadDuration,
		"prompt_eval_count": parsed.PromptEvalCount,
		"eval_count":        parsed.EvalCount,
		"done":              parsed.Done,
	}

	return &types.ChatResponse{
		Text:         *parsed.Response,
		Provider:     ProviderName,
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
		return nil, llmerrors.NewUnknownError(ProviderName, err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, llmerrors.FromTransport(ProviderName, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, p.mapError(resp.StatusCode, body)
	}

	return newJSONLStream(resp.Body, cancel, p.logger), nil
}

// jsonlStream decodes Ollama's newline-delimited JSON into text fragments.
type jsonlStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	logger    *slog.Logger
	closeOnce sync.Once
	finished  bool
}

func newJSONLStream(body io.ReadCloser, cancel context.CancelFunc, logger *slog.Logger) *jsonlStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), 4096*4)
	return &jsonlStream{
		body:    body,
		scanner: scanner,
		cancel:  cancel,
		logger:  logger,
	}
}

// Recv returns the next non-empty response fragment. Blank lines are
// skipped; malformed lines are logged and skipped rather than failing the
// stream. A line with done:true ends the stream even when the daemon keeps
// the connection open.
func (s *jsonlStream) Recv() (string, error) {
	if s.finished {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var chunk generateResult
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.logger.Warn("skipping malformed stream line",
				"provider", ProviderName,
				"error", err,
			)
			continue
		}

		if chunk.Response != nil && *chunk.Response != "" {
			if chunk.Done {
				s.finished = true
			}
			return *chunk.Response, nil
		}
		if chunk.Done {
			s.finished = true
			return "", io.EOF
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.finished = true
		return "", llmerrors.FromTransport(ProviderName, err)
	}

	// Upstream closed without done:true; treat as normal end of stream.
	s.finished = true
	return "", io.EOF
}

// Close cancels the request context and releases the upstream connection.
func (s *jsonlStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
