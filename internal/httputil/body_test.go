package httputil

import (
	"errors"
	"strings"
	"testing"
)

func TestReadBody(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		limit   int64
		want    string
		wantErr error
	}{
		{name: "within limit", input: "hello", limit: 10, want: "hello"},
		{name: "exactly at limit", input: "hello", limit: 5, want: "hello"},
		{name: "over limit", input: "helloworld", limit: 5, wantErr: ErrBodyTooLarge},
		{name: "unbounded", input: strings.Repeat("x", 4096), limit: 0, want: strings.Repeat("x", 4096)},
		{name: "empty", input: "", limit: 5, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := ReadBody(strings.NewReader(tt.input), tt.limit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReadBody error = %v, want %v", err, tt.wantErr)
				}
				if body != nil {
					t.Fatalf("expected no partial body, got %q", body)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadBody: %v", err)
			}
			if string(body) != tt.want {
				t.Fatalf("ReadBody = %q, want %q", body, tt.want)
			}
		})
	}
}
