package secret

import (
	"context"
	"fmt"
	"os"
)

// Env resolves references against the process environment. A reference
// pointing at an unset variable is an error, not an empty key: a typo in
// the variable name should fail startup loudly.
type Env struct{}

// NewEnv creates the environment backend.
func NewEnv() *Env {
	return &Env{}
}

// Get returns the value of the named environment variable.
func (*Env) Get(ctx context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}

// Close is a no-op.
func (*Env) Close() error {
	return nil
}
