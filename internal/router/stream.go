package router

import (
	"context"
	"errors"
	"io"

	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/provider"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
)

// Stream is a committed provider stream. The commit already happened: the
// first chunk was received inside ChooseAndStream and is replayed by the
// first Recv. Errors from here on are terminal for the request; the router
// never fails over past this point.
type Stream struct {
	router       *Router
	ctx          context.Context
	requestID    string
	providerName string
	inner        provider.ChunkStream

	first     string
	firstSent bool
	done      bool
}

// Provider returns the committed provider's name.
func (s *Stream) Provider() string {
	return s.providerName
}

// Recv returns the next chunk. io.EOF marks a normally finished stream and
// clears the provider's failure streak; any other error is a terminal
// stream failure, recorded against the provider when retriable.
func (s *Stream) Recv() (string, error) {
	if !s.firstSent {
		s.firstSent = true
		return s.first, nil
	}
	if s.done {
		return "", io.EOF
	}

	chunk, err := s.inner.Recv()
	if err == nil {
		return chunk, nil
	}

	s.done = true
	if errors.Is(err, io.EOF) {
		s.router.markSucceeded(s.ctx, s.providerName, s.requestID)
		return "", io.EOF
	}
	// When the request context died, the adapter error is just the corpse of
	// the cancelled read. The deadline-or-disconnect verdict belongs to the
	// orchestrator; do not charge the provider for it.
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	perr, ok := llmerrors.AsProviderError(err)
	if !ok {
		perr = llmerrors.NewUnknownError(s.providerName, err)
	}
	s.router.logger.Error("stream failed after commit",
		"provider", s.providerName,
		"request_id", s.requestID,
		"code", perr.Code,
		"error", perr.Message,
	)
	metrics.ProviderFailures.WithLabelValues(s.providerName, perr.Code).Inc()
	if perr.Retriable {
		s.router.markFailed(s.ctx, s.providerName, s.requestID)
	}
	return "", perr
}

// Close releases the underlying adapter stream. Safe to call at any point
// and more than once.
func (s *Stream) Close() error {
	s.done = true
	return s.inner.Close()
}
