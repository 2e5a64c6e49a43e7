package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// Parse decodes TOML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	model := &cfg.Model
	if model.Temperature == 0 {
		model.Temperature = 0.7
	}
	if model.TopP == 0 {
		model.TopP = 1.0
	}
	if model.MaxOutputTokens == 0 {
		model.MaxOutputTokens = 4096
	}
	if model.ContextSize == 0 {
		model.ContextSize = 16384
	}
	if model.RateLimitPerMinute == 0 {
		model.RateLimitPerMinute = 60
	}
	if model.MaxBackoffSeconds == 0 {
		model.MaxBackoffSeconds = 120
	}
	// NOTE: TOML can't distinguish 0 from unset, so 0 means 3 and -1 means unlimited
	if model.MaxRetries == 0 {
		model.MaxRetries = 3
	}
	if model.HTTPTimeoutSeconds == 0 {
		model.HTTPTimeoutSeconds = 120
	}

	if cfg.Coordinator.AwaitTimeoutMs == 0 {
		cfg.Coordinator.AwaitTimeoutMs = 3000
	}
	if cfg.Coordinator.MaxReverifications == 0 {
		cfg.Coordinator.MaxReverifications = 3
	}
	if cfg.Coordinator.Invalidation == "" {
		cfg.Coordinator.Invalidation = "transition"
	}

	if cfg.Verification.TokenEnv == "" {
		cfg.Verification.TokenEnv = "VERIFICATION_TOKEN"
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "output"
	}

	if cfg.PromptTemplates.SystemPrompt == "" {
		cfg.PromptTemplates.SystemPrompt = GetDefaultSystemPrompt()
	}
	if cfg.PromptTemplates.DocumentPrompt == "" {
		cfg.PromptTemplates.DocumentPrompt = GetDefaultDocumentTemplate()
	}
}
