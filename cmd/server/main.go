// Package main is the entry point for the modelrouter gateway server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelrouter/modelrouter/internal/api"
	"github.com/modelrouter/modelrouter/internal/config"
	"github.com/modelrouter/modelrouter/internal/healthcheck"
	"github.com/modelrouter/modelrouter/internal/observability"
	"github.com/modelrouter/modelrouter/internal/orchestrator"
	"github.com/modelrouter/modelrouter/internal/provider"
	"github.com/modelrouter/modelrouter/internal/router"
	"github.com/modelrouter/modelrouter/internal/secret"
	"github.com/modelrouter/modelrouter/internal/secret/vault"
	"github.com/modelrouter/modelrouter/internal/state"
)

const version = "0.1.0"

// secretCacheTTL bounds how long a resolved credential is reused before the
// backend is consulted again.
const secretCacheTTL = 5 * time.Minute

func main() {
	// Bootstrap logger so configuration failures are still structured.
	logger := observability.NewLogger(observability.LoggerConfig{Level: "info"})
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = observability.NewLogger(observability.LoggerConfig{Level: cfg.LogLevel})
	slog.SetDefault(logger)

	logger.Info("starting modelrouter gateway",
		"version", version, "env", cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secret backends. Credentials in provider settings may be literals,
	// env:// references, or vault:// references.
	secrets := secret.NewManager()
	secrets.Register("env", secret.NewEnv())
	if cfg.VaultConfigured() {
		vaultProvider, err := vault.New(vault.Config{
			Address:  cfg.Vault.Addr,
			RoleID:   cfg.Vault.RoleID,
			SecretID: cfg.Vault.SecretID,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("vault login failed", "error", err)
			os.Exit(1)
		}
		secrets.Register("vault", secret.NewCachedProvider(vaultProvider, secretCacheTTL))
		logger.Info("vault secret backend enabled", "addr", cfg.Vault.Addr)
	}

	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    "modelrouter",
		ServiceVersion: version,
		SampleRate:     1.0,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	store, err := state.Connect(state.Config{URL: cfg.RedisURL}, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")

	// Provider registry. Environment-configured providers come first in
	// priority order, then providers-file declarations in file order.
	httpClient := provider.NewHTTPClient(cfg.ProviderTimeout)
	registry := provider.NewRegistry()
	static := buildStaticProviders(ctx, cfg, secrets, httpClient, logger)

	var watcher *config.Watcher
	if cfg.ProvidersFile != "" {
		watcher, err = config.NewWatcher(cfg.ProvidersFile, logger)
		if err != nil {
			logger.Error("failed to load providers file", "error", err)
			os.Exit(1)
		}
		watcher.OnChange(func(declared *config.ProvidersFileData) {
			registry.Replace(assembleProviders(ctx, cfg, static, declared, secrets, httpClient, logger))
			logger.Info("provider registry reloaded", "providers", registry.Names())
		})
		if err := watcher.Watch(ctx); err != nil {
			logger.Warn("providers file hot-reload disabled", "error", err)
		}
	}

	registry.Replace(assembleProviders(ctx, cfg, static, currentDeclarations(watcher), secrets, httpClient, logger))
	if registry.Len() == 0 {
		logger.Error("no providers configured; set GROQ_API_KEY, OPENROUTER_API_KEY, OLLAMA_ENABLED, or PROVIDERS_FILE")
		os.Exit(1)
	}
	logger.Info("provider registry ready", "providers", registry.Names())

	llmRouter := router.New(registry, store, router.Config{
		FirstChunkTimeout:  cfg.FirstChunkTimeout,
		BackoffBase:        cfg.BackoffBase,
		BackoffMax:         cfg.BackoffMax,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		ProviderRateLimits: cfg.ProviderRateLimits(),
	}, logger)

	orch := orchestrator.New(llmRouter, store, orchestrator.Config{
		MaxOperationTimeout:  cfg.MaxOperationTimeout,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
	}, logger)

	prober := healthcheck.NewProber(healthcheck.Config{}, registry, store, logger)
	prober.Start(ctx)

	handler := api.NewHandler(orch, registry, store, tracerProvider.Tracer(), logger, version)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	middleware := buildMiddlewareStack(cfg, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           middleware(mux),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: streams must be able to run up to the
		// orchestrator's global deadline.
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop the watcher and prober loops before draining connections.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			logger.Error("watcher close error", "error", err)
		}
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	if err := secrets.Close(); err != nil {
		logger.Error("secret backend close error", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}
	logger.Info("server stopped")
}

// currentDeclarations returns the watcher's current snapshot, or nil when no
// providers file is configured.
func currentDeclarations(watcher *config.Watcher) *config.ProvidersFileData {
	if watcher == nil {
		return nil
	}
	return watcher.Current()
}
