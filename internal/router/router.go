// Package router implements provider selection and failover. It iterates
// candidates in priority order, enforces blacklist and rate-limit gates
// against the shared state store, and drives the streaming first-chunk
// commit protocol: failover is silent up to the committed provider's first
// chunk, and binding after it.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/observability"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/state"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

// rateLimitWindow is the fixed window for per-provider rate limiting.
const rateLimitWindow = time.Minute

// errNoFirstChunk marks a candidate that produced nothing before the
// first-chunk deadline.
var errNoFirstChunk = errors.New("no first chunk before deadline")

// Config carries the router's failover policy.
type Config struct {
	// FirstChunkTimeout bounds the wait for a stream's first element before
	// the candidate is abandoned.
	FirstChunkTimeout time.Duration

	// BackoffBase and BackoffMax shape the blacklist TTL:
	// min(base * 2^(n-1), max) after n consecutive retriable failures.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RateLimitPerMinute is the default per-provider request budget.
	// Zero disables the gate.
	RateLimitPerMinute int

	// ProviderRateLimits overrides the default budget per provider name.
	ProviderRateLimits map[string]int
}

// Router owns the ordered candidate list and the shared provider state.
type Router struct {
	registry *provider.Registry
	store    *state.Store
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a router. Zero config fields fall back to the documented
// defaults (3s first chunk, 5s backoff base, 300s backoff cap).
func New(registry *provider.Registry, store *state.Store, cfg Config, logger *slog.Logger) *Router {
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = 3 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(observability.TracerName),
	}
}

// candidates resolves the per-request candidate list. A pinned provider
// yields a single candidate and disables failover: an unknown name or a
// quarantined pin fails here, before any attempt.
func (r *Router) candidates(ctx context.Context, req *types.ChatRequest) ([]provider.Provider, error) {
	if req.Provider == "" {
		return r.registry.List(), nil
	}

	p, ok := r.registry.Get(req.Provider)
	if !ok {
		return nil, llmerrors.NewInvalidProviderError(req.Provider)
	}

	blacklisted, err := r.store.IsBlacklisted(ctx, p.Name())
	if err != nil {
		return nil, fmt.Errorf("blacklist check for %s: %w", p.Name(), err)
	}
	if blacklisted {
		return nil, llmerrors.NewProviderUnavailableError(p.Name(),
			fmt.Sprintf("provider %s is temporarily unavailable", p.Name()))
	}

	return []provider.Provider{p}, nil
}

// ChooseAndGenerate runs the unary selection loop: skip gated candidates,
// attempt the rest in order, and fail with ALL_PROVIDERS_FAILED once the
// list is exhausted.
func (r *Router) ChooseAndGenerate(ctx context.Context, req *types.ChatRequest, requestID string) (*types.ChatResponse, error) {
	candidates, err := r.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	var lastErr error

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		skip, gateErr, err := r.passesGates(ctx, p.Name(), requestID)
		if err != nil {
			return nil, err
		}
		if gateErr != nil {
			lastErr = gateErr
			continue
		}
		if skip {
			continue
		}

		r.logger.Info("attempting provider",
			"provider", p.Name(),
			"request_id", requestID,
		)

		attemptCtx, span := observability.StartAttemptSpan(ctx, r.tracer, p.Name(), "generate")
		resp, err := p.Generate(attemptCtx, req)
		if err == nil {
			span.End()
			r.logger.Info("provider generated response",
				"provider", p.Name(),
				"request_id", requestID,
			)
			r.markSucceeded(ctx, p.Name(), requestID)
			return resp, nil
		}
		observability.RecordSpanError(span, err)
		span.End()
		// A cancelled or expired request context is the orchestrator's
		// verdict to make; surface it untouched and leave counters alone.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = r.recordAttemptError(ctx, p.Name(), requestID, err)
	}

	return nil, r.exhausted(requestID, lastErr)
}

// ChooseAndStream runs the streaming selection loop. A non-nil Stream means
// the returned provider has committed: its first chunk arrived within the
// deadline and will be replayed by the first Recv. From that point on,
// errors are terminal and no other candidate is tried.
func (r *Router) ChooseAndStream(ctx context.Context, req *types.ChatRequest, requestID string) (*Stream, error) {
	candidates, err := r.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	var lastErr error

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		skip, gateErr, err := r.passesGates(ctx, p.Name(), requestID)
		if err != nil {
			return nil, err
		}
		if gateErr != nil {
			lastErr = gateErr
			continue
		}
		if skip {
			continue
		}

		r.logger.Info("attempting provider",
			"provider", p.Name(),
			"request_id", requestID,
		)

		attemptCtx, span := observability.StartAttemptSpan(ctx, r.tracer, p.Name(), "stream")
		inner, err := p.Stream(attemptCtx, req)
		if err != nil {
			observability.RecordSpanError(span, err)
			span.End()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = r.recordAttemptError(ctx, p.Name(), requestID, err)
			continue
		}

		start := time.Now()
		first, err := r.awaitFirstChunk(ctx, inner)
		switch {
		case err == nil:
			span.End()
			metrics.TimeToFirstChunk.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
			r.logger.Info("provider committed",
				"provider", p.Name(),
				"request_id", requestID,
				"first_chunk_after", time.Since(start),
			)
			return &Stream{
				router:       r,
				ctx:          ctx,
				requestID:    requestID,
				providerName: p.Name(),
				inner:        inner,
				first:        first,
			}, nil

		case errors.Is(err, errNoFirstChunk) || errors.Is(err, io.EOF):
			// Nothing before the deadline, or the upstream ended without a
			// single element. Both count as a retriable failure.
			inner.Close()
			observability.RecordSpanError(span, err)
			span.End()
			r.logger.Warn("provider produced no first chunk",
				"provider", p.Name(),
				"request_id", requestID,
				"timeout", r.cfg.FirstChunkTimeout,
			)
			metrics.ProviderFailures.WithLabelValues(p.Name(), llmerrors.CodeTimeout).Inc()
			r.markFailed(ctx, p.Name(), requestID)
			continue

		case ctx.Err() != nil:
			inner.Close()
			span.End()
			return nil, ctx.Err()

		default:
			inner.Close()
			observability.RecordSpanError(span, err)
			span.End()
			lastErr = r.recordAttemptError(ctx, p.Name(), requestID, err)
			continue
		}
	}

	return nil, r.exhausted(requestID, lastErr)
}

// awaitFirstChunk races the stream's first Recv against the first-chunk
// timer and the request context. On timeout the pending Recv keeps running
// until the caller closes the stream; the buffered channel lets that
// goroutine exit either way.
func (r *Router) awaitFirstChunk(ctx context.Context, stream provider.ChunkStream) (string, error) {
	type result struct {
		chunk string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		chunk, err := stream.Recv()
		ch <- result{chunk: chunk, err: err}
	}()

	timer := time.NewTimer(r.cfg.FirstChunkTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.chunk, res.err
	case <-timer.C:
		return "", errNoFirstChunk
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// passesGates checks blacklist and rate limit for a candidate. skip means
// the provider is quarantined; gateErr is a remembered RATE_LIMIT error;
// err is a state-store fault that aborts the whole request.
func (r *Router) passesGates(ctx context.Context, providerName, requestID string) (skip bool, gateErr *llmerrors.ProviderError, err error) {
	blacklisted, err := r.store.IsBlacklisted(ctx, providerName)
	if err != nil {
		return false, nil, fmt.Errorf("blacklist check for %s: %w", providerName, err)
	}
	if blacklisted {
		r.logger.Info("provider blacklisted, skipping",
			"provider", providerName,
			"request_id", requestID,
		)
		return true, nil, nil
	}

	limit := r.rateLimitFor(providerName)
	if limit <= 0 {
		return false, nil, nil
	}

	allowed, _, err := r.store.CheckProviderRateLimit(ctx, providerName, requestID, limit, rateLimitWindow)
	if err != nil {
		return false, nil, fmt.Errorf("rate limit check for %s: %w", providerName, err)
	}
	if !allowed {
		return false, llmerrors.NewRateLimitError(providerName,
			fmt.Sprintf("rate limit of %d req/min exceeded", limit)), nil
	}

	return false, nil, nil
}

// rateLimitFor returns the provider's budget, preferring a per-provider
// override over the global default.
func (r *Router) rateLimitFor(providerName string) int {
	if limit, ok := r.cfg.ProviderRateLimits[providerName]; ok && limit > 0 {
		return limit
	}
	return r.cfg.RateLimitPerMinute
}

// recordAttemptError normalizes an attempt failure, bumps metrics, and
// quarantines the provider when the failure is retriable. Non-retriable
// errors leave the counters alone.
func (r *Router) recordAttemptError(ctx context.Context, providerName, requestID string, err error) *llmerrors.ProviderError {
	perr, ok := llmerrors.AsProviderError(err)
	if !ok {
		perr = llmerrors.NewUnknownError(providerName, err)
	}

	r.logger.Error("provider attempt failed",
		"provider", providerName,
		"request_id", requestID,
		"code", perr.Code,
		"error", perr.Message,
	)
	metrics.ProviderFailures.WithLabelValues(providerName, perr.Code).Inc()

	if perr.Retriable {
		r.markFailed(ctx, providerName, requestID)
	}
	return perr
}

// markFailed bumps the provider's consecutive-failure counter and
// quarantines it with the exponential-backoff TTL. State-store faults here
// are logged, not propagated: the request outcome no longer depends on them.
func (r *Router) markFailed(ctx context.Context, providerName, requestID string) {
	count, err := r.store.IncrementFailure(ctx, providerName)
	if err != nil {
		r.logger.Warn("failure counter update failed",
			"provider", providerName,
			"request_id", requestID,
			"error", err,
		)
		return
	}

	ttl := backoffTTL(r.cfg.BackoffBase, r.cfg.BackoffMax, count)
	if err := r.store.Blacklist(ctx, providerName, ttl); err != nil {
		r.logger.Warn("blacklist update failed",
			"provider", providerName,
			"request_id", requestID,
			"error", err,
		)
		return
	}

	metrics.ProvidersBlacklisted.WithLabelValues(providerName).Set(1)
	r.logger.Warn("provider quarantined",
		"provider", providerName,
		"request_id", requestID,
		"consecutive_failures", count,
		"backoff", ttl,
	)
}

// markSucceeded clears the provider's failure streak after a completed
// generation or a normally finished committed stream.
func (r *Router) markSucceeded(ctx context.Context, providerName, requestID string) {
	metrics.ProviderSuccess.WithLabelValues(providerName).Inc()
	metrics.ProvidersBlacklisted.WithLabelValues(providerName).Set(0)
	if err := r.store.ResetFailure(ctx, providerName); err != nil {
		r.logger.Warn("failure counter reset failed",
			"provider", providerName,
			"request_id", requestID,
			"error", err,
		)
	}
}

func (r *Router) exhausted(requestID string, lastErr error) error {
	err := llmerrors.NewAllProvidersFailedError(lastErr)
	r.logger.Error("all providers failed",
		"request_id", requestID,
		"error", err.Message,
	)
	return err
}

// backoffTTL computes min(base * 2^(failures-1), max).
func backoffTTL(base, max time.Duration, failures int64) time.Duration {
	if failures < 1 {
		failures = 1
	}
	// Past 30 doublings any sane base has long exceeded the cap; guarding
	// here also keeps the shift from overflowing.
	if failures > 30 {
		return max
	}
	ttl := base * (1 << (failures - 1))
	if ttl > max || ttl <= 0 {
		return max
	}
	return ttl
}
