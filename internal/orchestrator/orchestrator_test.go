package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/router"
	"github.com/modelrouter/modelrouter/internal/state"
	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
	"github.com/modelrouter/modelrouter/pkg/types"
)

type stubStream struct {
	chunks []string
	delays []time.Duration // per-chunk pause before returning chunks[i]
	err    error           // returned after chunks run out; nil means clean EOF
	idx    int
	closed atomic.Bool
}

func (s *stubStream) Recv() (string, error) {
	if s.idx < len(s.chunks) {
		if s.idx < len(s.delays) {
			time.Sleep(s.delays[s.idx])
		}
		chunk := s.chunks[s.idx]
		s.idx++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *stubStream) Close() error {
	s.closed.Store(true)
	return nil
}

type stubProvider struct {
	name        string
	response    *types.ChatResponse
	generateErr error
	waitForCtx  bool // Generate blocks until ctx is done
	stream      func() *stubStream
	streamErr   error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if p.waitForCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.generateErr != nil {
		return nil, p.generateErr
	}
	return p.response, nil
}

func (p *stubProvider) Stream(ctx context.Context, req *types.ChatRequest) (provider.ChunkStream, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return p.stream(), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, cfg Config, providers ...provider.Provider) (*Orchestrator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := provider.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}

	store := state.New(client, "", quietLogger())
	r := router.New(reg, store, router.Config{}, quietLogger())
	return New(r, store, cfg, quietLogger()), mr
}

func chatReq() *types.ChatRequest {
	return &types.ChatRequest{
		Messages:  []types.Message{{Role: types.RoleUser, Content: "hi"}},
		MaxTokens: 32,
	}
}

func TestGenerateResponse_PassesThrough(t *testing.T) {
	alpha := &stubProvider{
		name: "alpha",
		response: &types.ChatResponse{
			Text:         "hello",
			Provider:     "alpha",
			Model:        "m",
			ProviderMeta: map[string]any{"tokens_total": 3},
		},
	}
	o, _ := newTestOrchestrator(t, Config{}, alpha)

	resp, err := o.GenerateResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "alpha", resp.Provider)
}

func TestGenerateResponse_GlobalTimeout(t *testing.T) {
	alpha := &stubProvider{name: "alpha", waitForCtx: true}
	o, _ := newTestOrchestrator(t, Config{MaxOperationTimeout: 50 * time.Millisecond}, alpha)

	_, err := o.GenerateResponse(context.Background(), chatReq(), "req-1")

	perr, ok := llmerrors.AsProviderError(err)
	require.True(t, ok, "expected provider error, got %v", err)
	assert.Equal(t, llmerrors.CodeGlobalTimeout, perr.Code)
	assert.True(t, strings.Contains(perr.Message, "50ms"), "message should name the budget, got %q", perr.Message)
}

func TestGenerateResponse_CallerDeadlinePassesThroughRaw(t *testing.T) {
	alpha := &stubProvider{name: "alpha", waitForCtx: true}
	o, _ := newTestOrchestrator(t, Config{MaxOperationTimeout: 10 * time.Second}, alpha)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := o.GenerateResponse(ctx, chatReq(), "req-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := llmerrors.AsProviderError(err)
	assert.False(t, ok, "caller deadline must not be relabeled as a gateway timeout")
}

func TestGenerateResponse_CallerCancelPassesThroughRaw(t *testing.T) {
	alpha := &stubProvider{name: "alpha", waitForCtx: true}
	o, _ := newTestOrchestrator(t, Config{}, alpha)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.GenerateResponse(ctx, chatReq(), "req-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateResponse_ProviderErrorPassesThrough(t *testing.T) {
	alpha := &stubProvider{name: "alpha", generateErr: llmerrors.NewServerError("alpha", "down")}
	o, _ := newTestOrchestrator(t, Config{}, alpha)

	_, err := o.GenerateResponse(context.Background(), chatReq(), "req-1")

	perr, ok := llmerrors.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeAllProvidersFailed, perr.Code)
}

func TestGenerateResponse_WrapsUnknownFailures(t *testing.T) {
	alpha := &stubProvider{name: "alpha", response: &types.ChatResponse{Text: "x", Provider: "alpha"}}
	o, mr := newTestOrchestrator(t, Config{}, alpha)

	// Kill the state store so the blacklist gate read fails.
	mr.Close()

	_, err := o.GenerateResponse(context.Background(), chatReq(), "req-1")

	perr, ok := llmerrors.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeUnknown, perr.Code)
	assert.Equal(t, "orchestrator", perr.Provider)
}

func TestStreamResponse_DrainsAndReleasesSlot(t *testing.T) {
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream {
		return &stubStream{chunks: []string{"hel", "lo"}}
	}}
	o, mr := newTestOrchestrator(t, Config{MaxConcurrentStreams: 1}, alpha)

	stream, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", stream.Provider())

	// The slot is held while the stream is live.
	held, err2 := mr.Get("concurrency:streams")
	require.NoError(t, err2)
	assert.Equal(t, "1", held)

	var got []string
	for {
		chunk, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		require.NoError(t, rerr)
		got = append(got, chunk)
	}
	require.NoError(t, stream.Close())

	assert.Equal(t, []string{"hel", "lo"}, got)
	released, err2 := mr.Get("concurrency:streams")
	require.NoError(t, err2)
	assert.Equal(t, "0", released, "slot must be returned after EOF")
}

func TestStreamResponse_RejectsWhenSlotsExhausted(t *testing.T) {
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream {
		return &stubStream{chunks: []string{"x"}}
	}}
	o, _ := newTestOrchestrator(t, Config{MaxConcurrentStreams: 1}, alpha)

	first, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)

	_, err = o.StreamResponse(context.Background(), chatReq(), "req-2")
	perr, ok := llmerrors.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeProviderUnavailable, perr.Code)
	assert.True(t, strings.Contains(perr.Message, "limit 1"), "got %q", perr.Message)

	// Closing the first stream frees the slot for the next caller.
	require.NoError(t, first.Close())
	second, err := o.StreamResponse(context.Background(), chatReq(), "req-3")
	require.NoError(t, err)
	_ = second.Close()
}

func TestStreamResponse_ReleasesSlotWhenRouterFails(t *testing.T) {
	alpha := &stubProvider{name: "alpha", streamErr: llmerrors.NewBadRequestError("alpha", "bad prompt")}
	o, mr := newTestOrchestrator(t, Config{MaxConcurrentStreams: 1}, alpha)

	_, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.Error(t, err)

	// The failed attempt must not leak its slot.
	held, err2 := mr.Get("concurrency:streams")
	require.NoError(t, err2)
	assert.Equal(t, "0", held)
}

func TestStreamResponse_ReleasesSlotOnTerminalError(t *testing.T) {
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream {
		return &stubStream{
			chunks: []string{"foo"},
			err:    llmerrors.NewServerError("alpha", "connection reset"),
		}
	}}
	o, mr := newTestOrchestrator(t, Config{MaxConcurrentStreams: 1}, alpha)

	stream, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "foo", chunk)

	_, err = stream.Recv()
	perr, ok := llmerrors.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeServerError, perr.Code)

	held, err2 := mr.Get("concurrency:streams")
	require.NoError(t, err2)
	assert.Equal(t, "0", held, "terminal error must return the slot")
}

func TestStream_GlobalTimeoutBetweenChunks(t *testing.T) {
	late := &stubStream{
		chunks: []string{"fast", "slow"},
		delays: []time.Duration{0, 150 * time.Millisecond},
	}
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream { return late }}
	o, _ := newTestOrchestrator(t, Config{MaxOperationTimeout: 60 * time.Millisecond}, alpha)

	stream, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "fast", chunk)

	// The second chunk lands after the budget: it is dropped and the
	// timeout verdict returned in its place.
	_, err = stream.Recv()
	perr, ok := llmerrors.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeGlobalTimeout, perr.Code)
	assert.True(t, late.closed.Load(), "upstream must be torn down")
}

func TestStream_CallerCancelMidStream(t *testing.T) {
	inner := &stubStream{chunks: []string{"a", "b", "c"}}
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream { return inner }}
	o, _ := newTestOrchestrator(t, Config{}, alpha)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := o.StreamResponse(ctx, chatReq(), "req-1")
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", chunk)

	cancel()
	_, err = stream.Recv()
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := llmerrors.AsProviderError(err)
	assert.False(t, ok, "client disconnect is not a gateway fault")
	assert.True(t, inner.closed.Load())
}

func TestStream_CloseWithoutDrainingReleasesEverything(t *testing.T) {
	inner := &stubStream{chunks: []string{"a", "b"}}
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream { return inner }}
	o, mr := newTestOrchestrator(t, Config{MaxConcurrentStreams: 1}, alpha)

	stream, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close(), "double close is safe")

	assert.True(t, inner.closed.Load())
	held, err2 := mr.Get("concurrency:streams")
	require.NoError(t, err2)
	assert.Equal(t, "0", held)
}

func TestStreamResponse_NoCapWhenDisabled(t *testing.T) {
	alpha := &stubProvider{name: "alpha", stream: func() *stubStream {
		return &stubStream{chunks: []string{"x"}}
	}}
	o, mr := newTestOrchestrator(t, Config{}, alpha)

	stream, err := o.StreamResponse(context.Background(), chatReq(), "req-1")
	require.NoError(t, err)
	defer stream.Close()

	assert.False(t, mr.Exists("concurrency:streams"), "disabled cap must not touch the store")
}
