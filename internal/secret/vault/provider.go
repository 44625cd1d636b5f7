// Package vault implements the vault:// secret backend against HashiCorp
// Vault, authenticating via AppRole and renewing the token in the
// background for as long as the backend is open.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Provider reads secrets from Vault. Paths take the form
// "path/to/secret#key"; a missing #key defaults to "value". KV v2 data
// wrappers are unwrapped transparently.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds the AppRole credentials for the Vault backend.
type Config struct {
	Address  string
	RoleID   string
	SecretID string
	Logger   *slog.Logger
}

// New logs in via AppRole and starts the token renewer. Login failure is
// returned immediately so a misconfigured Vault fails startup.
func New(cfg Config) (*Provider, error) {
	if cfg.RoleID == "" {
		return nil, fmt.Errorf("vault role_id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	login, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("vault approle login: %w", err)
	}
	if login == nil || login.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth info")
	}
	client.SetToken(login.Auth.ClientToken)

	p := &Provider{
		client: client,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.renewToken(login.Auth)

	return p, nil
}

// Get reads one key from a Vault secret.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := splitKey(path)

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	data := secret.Data
	if wrapped, ok := data["data"].(map[string]interface{}); ok {
		data = wrapped
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", value), nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

// splitKey separates "path/to/secret#key" into path and key. The last #
// wins so paths containing # still resolve.
func splitKey(path string) (string, string) {
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		return path[:idx], path[idx+1:]
	}
	return path, "value"
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("vault lifetime watcher failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
