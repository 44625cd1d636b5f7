// Package provider defines the adapter contract between the router and the
// upstream LLM APIs. An adapter translates the normalized request into the
// provider's wire format, speaks its streaming framing, and maps transport
// failures to the unified error codes. Adapters never consult shared state
// and never retry; that policy belongs to the router.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/modelrouter/modelrouter/pkg/types"
)

// Provider is the capability implemented by every upstream adapter.
type Provider interface {
	// Name returns the provider identifier used in routing, state keys,
	// and responses.
	Name() string

	// Generate performs a unary completion and awaits the full response.
	Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// Stream starts a streaming completion. The returned stream is finite
	// and non-restartable; chunks arrive in upstream emission order.
	Stream(ctx context.Context, req *types.ChatRequest) (ChunkStream, error)
}

// ChunkStream is a lazy sequence of decoded text fragments. Recv blocks for
// the next fragment and returns io.EOF on normal end of stream, or a
// *errors.ProviderError on upstream failure. Close releases the upstream
// connection; it is idempotent and must be called on every exit path.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Config carries the per-provider settings resolved from configuration.
type Config struct {
	// APIKey authenticates against the upstream. Adapters that tolerate
	// anonymous access skip the auth header when empty.
	APIKey string

	// BaseURL overrides the provider's default endpoint.
	BaseURL string

	// Model is used when the request does not name one.
	Model string

	// Timeout bounds a single unary attempt. Streams are bounded by the
	// router's first-chunk deadline and the orchestrator's global deadline
	// instead.
	Timeout time.Duration

	// HTTPClient is the shared transport. When nil the adapter builds its
	// own with default pooling.
	HTTPClient *http.Client
}

// NewHTTPClient builds the shared upstream client. No overall client timeout
// is set: streams must be able to outlive any single-attempt budget, so
// deadlines are applied per call through the request context. The header
// timeout still bounds how long an upstream may sit silent before the first
// response byte.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}
