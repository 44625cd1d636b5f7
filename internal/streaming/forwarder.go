// Package streaming writes gateway streams to HTTP clients as Server-Sent
// Events. It owns the SSE wire format: one data event per text chunk, a
// [DONE] marker on clean completion, and a JSON error envelope when an
// already-committed stream dies mid-flight.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	llmerrors "github.com/modelrouter/modelrouter/pkg/errors"
)

const (
	// DataPrefix starts every SSE data line.
	DataPrefix = "data: "

	// DoneMarker is the payload of the final event of a completed stream.
	DoneMarker = "[DONE]"
)

// ChunkSource is the upstream of a forwarded stream. Recv returns the next
// text chunk, io.EOF on clean completion, or a terminal error.
type ChunkSource interface {
	Recv() (string, error)
}

// envelope is the JSON body of an error event on a committed stream. It
// mirrors the error responses of the non-streaming endpoints so clients
// can share one error decoder.
type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Forwarder drains one ChunkSource into one HTTP response.
type Forwarder struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID string
	logger    *slog.Logger
}

// NewForwarder wraps the response writer. Fails when the writer cannot
// flush, since SSE without flushing just buffers forever.
func NewForwarder(w http.ResponseWriter, requestID string, logger *slog.Logger) (*Forwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		w:         w,
		flusher:   flusher,
		requestID: requestID,
		logger:    logger,
	}, nil
}

// Forward writes the SSE headers, then drains src to the client. A clean
// end emits the [DONE] marker and returns nil. A terminal stream error is
// written as an error event and returned; caller cancellation is returned
// without writing, since the client is already gone. Closing src stays
// with the caller.
func (f *Forwarder) Forward(src ChunkSource) error {
	f.writeHeaders()

	for {
		chunk, err := src.Recv()
		switch {
		case err == nil:
			f.writeChunk(chunk)
		case errors.Is(err, io.EOF):
			f.writeLine(DataPrefix + DoneMarker)
			f.endEvent()
			return nil
		case errors.Is(err, context.Canceled):
			return err
		default:
			f.writeErrorEvent(err)
			return err
		}
	}
}

// Fail reports a stream that never produced a chunk. The response opens
// as SSE and carries a single error event, the same framing clients see
// for mid-stream failures.
func (f *Forwarder) Fail(err error) {
	f.writeHeaders()
	f.writeErrorEvent(err)
}

func (f *Forwarder) writeHeaders() {
	h := f.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	h.Set("X-Request-ID", f.requestID)
	f.w.WriteHeader(http.StatusOK)
	f.flusher.Flush()
}

// writeChunk emits one SSE event for the chunk. A newline inside the chunk
// becomes an additional data line of the same event; clients rejoin those
// with a newline, so the exact text survives the framing.
func (f *Forwarder) writeChunk(chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		f.writeLine(DataPrefix + line)
	}
	f.endEvent()
}

func (f *Forwarder) writeErrorEvent(err error) {
	env := envelope{
		Error:     llmerrors.CodeUnknown,
		Message:   err.Error(),
		RequestID: f.requestID,
	}
	if perr, ok := llmerrors.AsProviderError(err); ok {
		env.Error = perr.Code
		env.Message = perr.Message
	}

	data, merr := json.Marshal(env)
	if merr != nil {
		f.logger.Error("marshal stream error envelope",
			"request_id", f.requestID,
			"error", merr,
		)
		return
	}
	f.writeLine(DataPrefix + string(data))
	f.endEvent()
}

func (f *Forwarder) writeLine(line string) {
	io.WriteString(f.w, line)
	io.WriteString(f.w, "\n")
}

// endEvent terminates the current SSE event and pushes it to the client.
func (f *Forwarder) endEvent() {
	io.WriteString(f.w, "\n")
	f.flusher.Flush()
}
