// Package openrouter implements the OpenRouter provider adapter.
// OpenRouter is an LLM aggregator that fronts many hosted models behind a
// single OpenAI-compatible API.
// API Reference: https://openrouter.ai/docs
package openrouter

import (
	"log/slog"

	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/provider/openaicompat"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openrouter"

	// DefaultBaseURL is the default OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultModel is used when neither the request nor the configuration
	// names a model.
	DefaultModel = "openai/gpt-3.5-turbo"
)

// New creates a new OpenRouter provider instance. The extra headers are
// OpenRouter's app attribution scheme; requests work without them but rank
// lower during capacity crunches.
func New(cfg provider.Config, logger *slog.Logger) *openaicompat.Provider {
	info := openaicompat.Info{
		Name:           ProviderName,
		DefaultBaseURL: DefaultBaseURL,
		DefaultModel:   DefaultModel,
		ExtraHeaders: map[string]string{
			"HTTP-Referer": "https://github.com/modelrouter/modelrouter",
			"X-Title":      "ModelRouter",
		},
	}
	return openaicompat.New(cfg, info, logger)
}
