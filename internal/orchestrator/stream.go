package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/modelrouter/modelrouter/internal/metrics"
	"github.com/modelrouter/modelrouter/internal/router"
)

// Stream is a committed stream bounded by the global operation deadline.
// The deadline is enforced at chunk boundaries: a chunk that arrives after
// the budget ran out is dropped and the timeout verdict returned instead.
type Stream struct {
	orch      *Orchestrator
	inner     *router.Stream
	requestID string
	parent    context.Context
	opCtx     context.Context
	cancel    context.CancelFunc
	release   func()
	start     time.Time
	teardown  sync.Once
}

// Provider reports the provider this stream committed to.
func (s *Stream) Provider() string {
	return s.inner.Provider()
}

// Recv returns the next chunk. io.EOF marks a clean end. Any other error
// is terminal: the stream has been torn down and Recv must not be called
// again.
func (s *Stream) Recv() (string, error) {
	if err := s.checkBudget(); err != nil {
		return "", err
	}

	chunk, err := s.inner.Recv()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.teardownNow()
		return "", io.EOF
	default:
		s.teardownNow()
		return "", s.orch.terminal(s.parent, s.opCtx, s.requestID, err)
	}

	if err := s.checkBudget(); err != nil {
		return "", err
	}
	return chunk, nil
}

// checkBudget enforces caller cancellation and the wall-clock budget.
// Caller disconnect takes precedence over the deadline verdict.
func (s *Stream) checkBudget() error {
	if err := s.parent.Err(); err != nil {
		s.teardownNow()
		return err
	}
	if time.Since(s.start) >= s.orch.cfg.MaxOperationTimeout {
		s.teardownNow()
		return s.orch.globalTimeout(s.requestID)
	}
	return nil
}

// Close releases the stream's resources. Safe to call more than once and
// after Recv has already returned a terminal error.
func (s *Stream) Close() error {
	s.teardownNow()
	return nil
}

func (s *Stream) teardownNow() {
	s.teardown.Do(func() {
		s.cancel()
		if err := s.inner.Close(); err != nil {
			s.orch.logger.Warn("stream close failed",
				"request_id", s.requestID,
				"error", err,
			)
		}
		metrics.ActiveStreams.Dec()
		s.release()
	})
}
