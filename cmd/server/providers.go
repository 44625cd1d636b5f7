package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelrouter/modelrouter/internal/config"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/provider/groq"
	"github.com/modelrouter/modelrouter/internal/provider/ollama"
	"github.com/modelrouter/modelrouter/internal/provider/openaicompat"
	"github.com/modelrouter/modelrouter/internal/provider/openrouter"
	"github.com/modelrouter/modelrouter/internal/secret"
)

// buildStaticProviders constructs the environment-configured providers in
// priority order: groq, openrouter, ollama. A provider whose credential
// reference cannot be resolved is skipped with an error log rather than
// failing startup, so one bad reference does not take down the rest.
func buildStaticProviders(ctx context.Context, cfg *config.Config, secrets *secret.Manager, httpClient *http.Client, logger *slog.Logger) []provider.Provider {
	var providers []provider.Provider

	if key, ok := resolveKey(ctx, secrets, "groq", cfg.Groq.APIKey, logger); ok && key != "" {
		providers = append(providers, groq.New(provider.Config{
			APIKey:     key,
			BaseURL:    cfg.Groq.BaseURL,
			Timeout:    cfg.ProviderTimeout,
			HTTPClient: httpClient,
		}, logger))
		logger.Info("provider registered", "provider", "groq")
	}

	if key, ok := resolveKey(ctx, secrets, "openrouter", cfg.OpenRouter.APIKey, logger); ok && key != "" {
		providers = append(providers, openrouter.New(provider.Config{
			APIKey:     key,
			BaseURL:    cfg.OpenRouter.BaseURL,
			Timeout:    cfg.ProviderTimeout,
			HTTPClient: httpClient,
		}, logger))
		logger.Info("provider registered", "provider", "openrouter")
	}

	if cfg.Ollama.Enabled {
		// A local daemon needs no API key; a resolved one is forwarded
		// for proxied setups.
		key, _ := resolveKey(ctx, secrets, "ollama", cfg.Ollama.APIKey, logger)
		providers = append(providers, ollama.New(provider.Config{
			APIKey:     key,
			BaseURL:    cfg.Ollama.BaseURL,
			Timeout:    cfg.ProviderTimeout,
			HTTPClient: httpClient,
		}, logger))
		logger.Info("provider registered", "provider", "ollama")
	}

	return providers
}

// buildFileProviders adapts each providers-file declaration onto the shared
// OpenAI-compatible adapter. Declarations keep their file order, which is
// their routing priority after the environment-configured providers.
func buildFileProviders(ctx context.Context, cfg *config.Config, declared *config.ProvidersFileData, secrets *secret.Manager, httpClient *http.Client, logger *slog.Logger) []provider.Provider {
	if declared == nil {
		return nil
	}

	providers := make([]provider.Provider, 0, len(declared.Providers))
	for _, entry := range declared.Providers {
		key, ok := resolveKey(ctx, secrets, entry.Name, entry.APIKey, logger)
		if !ok {
			continue
		}
		providers = append(providers, openaicompat.New(provider.Config{
			APIKey:     key,
			BaseURL:    entry.BaseURL,
			Model:      entry.Model,
			Timeout:    cfg.ProviderTimeout,
			HTTPClient: httpClient,
		}, openaicompat.Info{Name: entry.Name}, logger))
		logger.Info("provider registered", "provider", entry.Name, "source", "providers_file")
	}
	return providers
}

// assembleProviders merges the environment-configured providers with the
// providers-file declarations, preserving priority order. The watcher's
// reload callback calls this with a fresh declaration set.
func assembleProviders(ctx context.Context, cfg *config.Config, static []provider.Provider, declared *config.ProvidersFileData, secrets *secret.Manager, httpClient *http.Client, logger *slog.Logger) []provider.Provider {
	merged := make([]provider.Provider, 0, len(static))
	merged = append(merged, static...)
	return append(merged, buildFileProviders(ctx, cfg, declared, secrets, httpClient, logger)...)
}

// resolveKey resolves a credential reference through the secret manager.
// The second return reports whether the provider should be used at all:
// false means the reference exists but could not be resolved.
func resolveKey(ctx context.Context, secrets *secret.Manager, name, reference string, logger *slog.Logger) (string, bool) {
	if reference == "" {
		return "", true
	}
	key, err := secrets.Get(ctx, reference)
	if err != nil {
		logger.Error("provider credential resolution failed", "provider", name, "error", err)
		return "", false
	}
	return key, true
}
