package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProvidersFileData declares additional OpenAI-compatible providers beyond
// the built-in environment-configured set. Reserved names are rejected so
// file entries can never shadow a built-in provider.
type ProvidersFileData struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry is one provider declaration in the file.
type ProviderEntry struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	RateLimit int    `yaml:"rate_limit"`
}

// reservedProviderNames are the built-ins configured through the
// environment; the file cannot redefine them.
var reservedProviderNames = map[string]bool{
	"groq":       true,
	"openrouter": true,
	"ollama":     true,
}

// LoadProvidersFile reads and parses a provider declaration file.
// Environment variables in the format ${VAR_NAME} are expanded before
// parsing, so keys can stay out of the file itself.
func LoadProvidersFile(path string) (*ProvidersFileData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var pf ProvidersFileData
	if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	if err := pf.Validate(); err != nil {
		return nil, fmt.Errorf("validate providers file: %w", err)
	}
	return &pf, nil
}

// Validate checks the provider declarations for errors.
func (pf *ProvidersFileData) Validate() error {
	seen := make(map[string]bool, len(pf.Providers))
	for i, p := range pf.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if reservedProviderNames[p.Name] {
			return fmt.Errorf("provider[%d] %q: name is reserved for the built-in provider", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider[%d] %q: duplicate name", i, p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider[%d] %q: base_url is required", i, p.Name)
		}
		if p.RateLimit < 0 {
			return fmt.Errorf("provider[%d] %q: rate_limit cannot be negative", i, p.Name)
		}
	}
	return nil
}
