// Package httputil bounds the payloads the gateway reads off the network,
// on both the client and the upstream side.
package httputil

import (
	"errors"
	"fmt"
	"io"
)

// ErrBodyTooLarge reports a payload that exceeded its read limit.
var ErrBodyTooLarge = errors.New("body exceeds read limit")

// ReadBody consumes the reader into memory, allowing at most limit bytes.
// A non-positive limit reads without bound. Oversized payloads return
// ErrBodyTooLarge wrapped with the limit and no partial body.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}
