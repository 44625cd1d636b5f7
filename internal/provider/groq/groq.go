// Package groq implements the Groq provider adapter.
// Groq serves open-weight models (Llama, Mixtral, Gemma) over an
// OpenAI-compatible API with very low latency.
// API Reference: https://console.groq.com/docs/api-reference
package groq

import (
	"log/slog"

	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/provider/openaicompat"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "groq"

	// DefaultBaseURL is the default Groq API endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel is used when neither the request nor the configuration
	// names a model.
	DefaultModel = "llama-3.3-70b-versatile"
)

// New creates a new Groq provider instance.
func New(cfg provider.Config, logger *slog.Logger) *openaicompat.Provider {
	info := openaicompat.Info{
		Name:           ProviderName,
		DefaultBaseURL: DefaultBaseURL,
		DefaultModel:   DefaultModel,
	}
	return openaicompat.New(cfg, info, logger)
}
