// Package config resolves the gateway configuration from the environment.
// Every knob has a default, so an empty environment yields a runnable
// development setup; Validate catches the combinations that cannot work.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	AppEnv   string
	Host     string
	Port     int
	LogLevel string

	RedisURL string

	// APIKey is the shared client bearer secret. Empty disables client
	// authentication entirely.
	APIKey string

	ProviderTimeout     time.Duration
	FirstChunkTimeout   time.Duration
	MaxOperationTimeout time.Duration

	// MaxRetries is reserved for a per-provider retry budget. The router
	// currently tries each candidate once.
	MaxRetries int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RateLimitPerMinute is the default per-provider request budget.
	RateLimitPerMinute int

	// MaxConcurrentStreams caps gateway-wide live streams. Zero disables
	// the cap.
	MaxConcurrentStreams int

	// ClientRateLimitPerMinute throttles callers by IP. Zero disables the
	// middleware.
	ClientRateLimitPerMinute int

	Groq       ProviderSettings
	OpenRouter ProviderSettings
	Ollama     OllamaSettings

	// ProvidersFile optionally names a YAML file declaring additional
	// OpenAI-compatible providers. Empty disables the file and its watcher.
	ProvidersFile string

	Tracing TracingSettings
	Vault   VaultSettings
}

// ProviderSettings carries the per-provider environment knobs. APIKey may
// be a secret reference (env:// or vault://) resolved at startup.
type ProviderSettings struct {
	APIKey    string
	BaseURL   string
	RateLimit int // requests/minute; 0 falls back to RateLimitPerMinute
}

// OllamaSettings adds the explicit enable switch: Ollama needs no API key,
// so key presence cannot gate its construction.
type OllamaSettings struct {
	ProviderSettings
	Enabled bool
}

// TracingSettings controls the OTLP trace exporter.
type TracingSettings struct {
	Enabled  bool
	Endpoint string
}

// VaultSettings configures the vault:// secret backend. All three must be
// set for the scheme to be usable.
type VaultSettings struct {
	Addr     string
	RoleID   string
	SecretID string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := Default()

	cfg.AppEnv = strings.ToLower(envString("APP_ENV", cfg.AppEnv))
	cfg.Host = envString("HOST", cfg.Host)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.APIKey = envString("API_KEY", cfg.APIKey)
	cfg.ProvidersFile = envString("PROVIDERS_FILE", cfg.ProvidersFile)

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = envSeconds("PROVIDER_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return nil, err
	}
	if cfg.FirstChunkTimeout, err = envSeconds("FIRST_CHUNK_TIMEOUT", cfg.FirstChunkTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxOperationTimeout, err = envSeconds("MAX_OPERATION_TIMEOUT", cfg.MaxOperationTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = envSeconds("BACKOFF_BASE_SECONDS", cfg.BackoffBase); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = envSeconds("BACKOFF_MAX_SECONDS", cfg.BackoffMax); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentStreams, err = envInt("MAX_CONCURRENT_STREAMS", cfg.MaxConcurrentStreams); err != nil {
		return nil, err
	}
	if cfg.ClientRateLimitPerMinute, err = envInt("CLIENT_RATE_LIMIT_PER_MINUTE", cfg.ClientRateLimitPerMinute); err != nil {
		return nil, err
	}

	if err := loadProviderSettings("GROQ", &cfg.Groq); err != nil {
		return nil, err
	}
	if err := loadProviderSettings("OPENROUTER", &cfg.OpenRouter); err != nil {
		return nil, err
	}
	if err := loadProviderSettings("OLLAMA", &cfg.Ollama.ProviderSettings); err != nil {
		return nil, err
	}
	if cfg.Ollama.Enabled, err = envBool("OLLAMA_ENABLED", cfg.Ollama.Enabled); err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled, err = envBool("TRACING_ENABLED", cfg.Tracing.Enabled); err != nil {
		return nil, err
	}
	cfg.Tracing.Endpoint = envString("TRACING_ENDPOINT", cfg.Tracing.Endpoint)

	cfg.Vault.Addr = envString("VAULT_ADDR", cfg.Vault.Addr)
	cfg.Vault.RoleID = envString("VAULT_ROLE_ID", cfg.Vault.RoleID)
	cfg.Vault.SecretID = envString("VAULT_SECRET_ID", cfg.Vault.SecretID)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration an empty environment produces, before
// validation.
func Default() *Config {
	return &Config{
		AppEnv:   "development",
		Host:     "0.0.0.0",
		Port:     8000,
		LogLevel: "INFO",

		RedisURL: "redis://localhost:6379/0",

		ProviderTimeout:     30 * time.Second,
		FirstChunkTimeout:   3 * time.Second,
		MaxOperationTimeout: 120 * time.Second,

		MaxRetries:  2,
		BackoffBase: 5 * time.Second,
		BackoffMax:  300 * time.Second,

		RateLimitPerMinute:   60,
		MaxConcurrentStreams: 10,

		Groq: ProviderSettings{
			BaseURL: "https://api.groq.com/openai/v1",
		},
		OpenRouter: ProviderSettings{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Ollama: OllamaSettings{
			ProviderSettings: ProviderSettings{
				BaseURL: "http://localhost:11434",
			},
		},

		Tracing: TracingSettings{
			Endpoint: "localhost:4317",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be positive, got %s", c.ProviderTimeout)
	}
	if c.FirstChunkTimeout <= 0 {
		return fmt.Errorf("first_chunk_timeout must be positive, got %s", c.FirstChunkTimeout)
	}
	if c.MaxOperationTimeout <= 0 {
		return fmt.Errorf("max_operation_timeout must be positive, got %s", c.MaxOperationTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base_seconds must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_max_seconds (%s) cannot be below backoff_base_seconds (%s)", c.BackoffMax, c.BackoffBase)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_requests_per_minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.MaxConcurrentStreams < 0 {
		return fmt.Errorf("max_concurrent_streams cannot be negative")
	}
	if c.ClientRateLimitPerMinute < 0 {
		return fmt.Errorf("client_rate_limit_per_minute cannot be negative")
	}
	if c.Groq.RateLimit < 0 {
		return fmt.Errorf("groq_rate_limit cannot be negative")
	}
	if c.OpenRouter.RateLimit < 0 {
		return fmt.Errorf("openrouter_rate_limit cannot be negative")
	}
	if c.Ollama.RateLimit < 0 {
		return fmt.Errorf("ollama_rate_limit cannot be negative")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing_endpoint is required when tracing is enabled")
	}
	return nil
}

// IsDevelopment reports whether the gateway runs in development mode.
// Development mode switches the logger to text format and lets error
// responses carry panic details.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// VaultConfigured reports whether the vault:// secret scheme can be used.
func (c *Config) VaultConfigured() bool {
	return c.Vault.Addr != "" && c.Vault.RoleID != "" && c.Vault.SecretID != ""
}

// ProviderRateLimits returns the per-provider overrides for the router,
// holding only providers whose limit is explicitly set.
func (c *Config) ProviderRateLimits() map[string]int {
	limits := make(map[string]int)
	if c.Groq.RateLimit > 0 {
		limits["groq"] = c.Groq.RateLimit
	}
	if c.OpenRouter.RateLimit > 0 {
		limits["openrouter"] = c.OpenRouter.RateLimit
	}
	if c.Ollama.RateLimit > 0 {
		limits["ollama"] = c.Ollama.RateLimit
	}
	return limits
}

func loadProviderSettings(prefix string, s *ProviderSettings) error {
	s.APIKey = envString(prefix+"_API_KEY", s.APIKey)
	s.BaseURL = envString(prefix+"_BASE_URL", s.BaseURL)
	var err error
	if s.RateLimit, err = envInt(prefix+"_RATE_LIMIT", s.RateLimit); err != nil {
		return err
	}
	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s: expected boolean, got %q", key, v)
	}
	return b, nil
}

// envSeconds reads an integer number of seconds, matching the wire format
// of the deployment environment.
func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
