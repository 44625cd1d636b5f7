// Package secret resolves provider API-key references. A reference is
// either a plain literal (used as-is), or a URI naming a backend:
// env://VAR_NAME reads the process environment, vault://path#key reads
// HashiCorp Vault. Resolution happens once at startup; backends that
// charge for reads should be wrapped in CachedProvider.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Provider is one secret backend.
type Provider interface {
	// Get resolves a backend-local path to the secret value.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Manager routes references to backends by URI scheme. References without
// a scheme pass through unchanged, so configuration can mix literals and
// references freely.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty manager; register backends before use.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register binds a backend to a scheme such as "env" or "vault".
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves a reference. "env://GROQ_KEY" routes to the env backend
// with path "GROQ_KEY"; "gsk-live-abc" has no scheme and is returned
// as-is.
func (m *Manager) Get(ctx context.Context, reference string) (string, error) {
	scheme, path, ok := strings.Cut(reference, "://")
	if !ok {
		return reference, nil
	}

	m.mu.RLock()
	provider, found := m.providers[scheme]
	m.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("no secret backend registered for scheme %q", scheme)
	}

	value, err := provider.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret: %w", scheme, err)
	}
	return value, nil
}

// Close closes every registered backend, reporting all failures.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failures []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("close secret backends: %s", strings.Join(failures, "; "))
	}
	return nil
}
