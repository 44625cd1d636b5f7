// Package orchestrator wraps each router call in the global operation
// deadline and owns the outer cancellation scope. It is the single place
// where deadline expiry becomes GLOBAL_TIMEOUT and unknown faults become
// UNKNOWN_ERROR; provider errors pass through untouched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/router"
	"github.com/modelrouter/modelrouter/internal/state"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

const (
	// streamSlotResource is the shared concurrency-cap key.
	streamSlotResource = "streams"

	// streamSlotTTL bounds slot leakage if a process dies without releasing.
	streamSlotTTL = 300 * time.Second

	// releaseTimeout bounds the post-stream slot release, which runs on its
	// own context because the request's may already be dead.
	releaseTimeout = 5 * time.Second
)

// Config carries the orchestrator's limits.
type Config struct {
	// MaxOperationTimeout is the global wall-clock budget per request.
	MaxOperationTimeout time.Duration

	// MaxConcurrentStreams caps simultaneous streams across all gateway
	// instances sharing the state store. Zero disables the cap.
	MaxConcurrentStreams int
}

// Orchestrator coordinates one router call per request.
type Orchestrator struct {
	router *router.Router
	store  *state.Store
	cfg    Config
	logger *slog.Logger
}

// New creates an orchestrator. A zero timeout falls back to 120s.
func New(r *router.Router, store *state.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxOperationTimeout <= 0 {
		cfg.MaxOperationTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		router: r,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// GenerateResponse runs a unary generation under the global deadline.
func (o *Orchestrator) GenerateResponse(ctx context.Context, req *types.ChatRequest, requestID string) (*types.ChatResponse, error) {
	o.logger.Info("starting generation",
		"request_id", requestID,
		"max_tokens", req.MaxTokens,
		"temperature", req.Temperature,
	)

	opCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxOperationTimeout)
	defer cancel()

	resp, err := o.router.ChooseAndGenerate(opCtx, req, requestID)
	if err != nil {
		return nil, o.terminal(ctx, opCtx, requestID, err)
	}

	o.logger.Info("generation complete",
		"request_id", requestID,
		"provider", resp.Provider,
		"tokens", resp.ProviderMeta["tokens_total"],
	)
	return resp, nil
}

// StreamResponse starts a streaming generation. On success the returned
// stream is already committed to one provider; the caller must drain it and
// call Close. The concurrency slot, when enabled, is held from here until
// the stream finishes or is closed.
func (o *Orchestrator) StreamResponse(ctx context.Context, req *types.ChatRequest, requestID string) (*Stream, error) {
	o.logger.Info("starting stream",
		"request_id", requestID,
		"max_tokens", req.MaxTokens,
		"temperature", req.Temperature,
	)

	release, err := o.acquireStreamSlot(ctx, requestID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxOperationTimeout)
	start := time.Now()

	inner, err := o.router.ChooseAndStream(opCtx, req, requestID)
	if err != nil {
		cancel()
		release()
		return nil, o.terminal(ctx, opCtx, requestID, err)
	}

	metrics.ActiveStreams.Inc()
	return &Stream{
		orch:      o,
		inner:     inner,
		requestID: requestID,
		parent:    ctx,
		opCtx:     opCtx,
		cancel:    cancel,
		release:   release,
		start:     start,
	}, nil
}

// acquireStreamSlot takes one shared concurrency slot when the cap is
// enabled. The returned release is idempotent and safe to call after the
// request context has died.
func (o *Orchestrator) acquireStreamSlot(ctx context.Context, requestID string) (func(), error) {
	if o.cfg.MaxConcurrentStreams <= 0 {
		return func() {}, nil
	}

	ok, err := o.store.AcquireSlot(ctx, streamSlotResource, o.cfg.MaxConcurrentStreams, streamSlotTTL)
	if err != nil {
		return nil, llmerrors.NewUnknownError("orchestrator", fmt.Errorf("acquire stream slot: %w", err))
	}
	if !ok {
		o.logger.Warn("stream slot limit reached",
			"request_id", requestID,
			"max_concurrent_streams", o.cfg.MaxConcurrentStreams,
		)
		return nil, llmerrors.NewProviderUnavailableError("orchestrator",
			fmt.Sprintf("too many concurrent streams (limit %d)", o.cfg.MaxConcurrentStreams))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := o.store.ReleaseSlot(releaseCtx, streamSlotResource); err != nil {
				o.logger.Warn("stream slot release failed",
					"request_id", requestID,
					"error", err,
				)
			}
		})
	}, nil
}

// terminal translates a failed router call into the caller-facing error.
// Deadline expiry of the operation context (and not the caller's own
// context) becomes GLOBAL_TIMEOUT; caller cancellation passes through raw;
// provider errors pass through unchanged; anything else is UNKNOWN_ERROR.
func (o *Orchestrator) terminal(parent, opCtx context.Context, requestID string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if opCtx.Err() != nil && parent.Err() == nil {
			return o.globalTimeout(requestID)
		}
		return err
	case errors.Is(err, context.Canceled):
		return err
	}

	if _, ok := llmerrors.AsProviderError(err); ok {
		return err
	}

	o.logger.Error("unexpected orchestration failure",
		"request_id", requestID,
		"error", err,
	)
	return llmerrors.NewUnknownError("orchestrator", err)
}

func (o *Orchestrator) globalTimeout(requestID string) *llmerrors.ProviderError {
	terr := llmerrors.NewGlobalTimeoutError(
		fmt.Sprintf("operation exceeded global timeout of %s", o.cfg.MaxOperationTimeout))
	o.logger.Error("global timeout",
		"request_id", requestID,
		"timeout", o.cfg.MaxOperationTimeout,
	)
	return terr
}
