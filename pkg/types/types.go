// Package types defines the normalized request and response model shared by
// the routing core and the HTTP surface. Provider adapters translate these
// types to and from each upstream's wire format.
package types

import "fmt"

// Roles accepted in a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request bounds and defaults applied at ingress.
const (
	DefaultMaxTokens = 512
	MaxTokensLimit   = 4096
	TemperatureLimit = 2.0
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized chat completion request. Provider pins the
// request to a single named provider, disabling failover. Metadata is opaque
// to the core and passed through for callers' own bookkeeping.
type ChatRequest struct {
	Messages    []Message      `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Model       string         `json:"model,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ApplyDefaults fills unset fields with their documented defaults. It must
// run before Validate so that an omitted max_tokens passes the lower bound.
func (r *ChatRequest) ApplyDefaults() {
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
}

// Validate checks the request against the ingress contract. A validation
// failure is a client error, not a provider failure.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: role must be one of %q, %q, %q; got %q",
				i, RoleSystem, RoleUser, RoleAssistant, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("messages[%d]: content must not be empty", i)
		}
	}
	if r.MaxTokens < 1 || r.MaxTokens > MaxTokensLimit {
		return fmt.Errorf("max_tokens must be in [1, %d], got %d", MaxTokensLimit, r.MaxTokens)
	}
	if r.Temperature < 0 || r.Temperature > TemperatureLimit {
		return fmt.Errorf("temperature must be in [0.0, %.1f], got %g", TemperatureLimit, r.Temperature)
	}
	return nil
}

// ChatResponse is the normalized unary response. Provider names the provider
// that was committed to. ProviderMeta is an open bag of provider-reported
// details (token counts, timings); consumers must treat unknown keys as
// opaque.
type ChatResponse struct {
	Text         string         `json:"text"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model,omitempty"`
	ProviderMeta map[string]any `json:"provider_meta,omitempty"`
}
