package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Model                ModelConfig        `toml:"model"`
	Coordinator          CoordinatorConfig  `toml:"coordinator"`
	Verification         VerificationConfig `toml:"verification"`
	PromptTemplates      PromptTemplates    `toml:"prompt_templates"`
	Output               OutputConfig       `toml:"output"`
	ProviderBurstPercent int                `toml:"provider_burst_percent"` // Burst capacity as percentage (1-50, default: 15)
}

// ModelConfig represents configuration for the document generation endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	ContextSize        int     `toml:"context_size"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxBackoffSeconds  int     `toml:"max_backoff_seconds"`  // Optional: max backoff duration (default 120)
	MaxRetries         int     `toml:"max_retries"`          // Optional: max retry attempts (default 3, -1 = unlimited)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // Optional: HTTP request timeout (default 120)
}

// CoordinatorConfig holds speculative generation settings
type CoordinatorConfig struct {
	AwaitTimeoutMs     int    `toml:"await_timeout_ms"`    // How long the document step waits for an in-flight attempt (default 3000)
	MaxReverifications int    `toml:"max_reverifications"` // Renewals of an expired proof per attempt (default 3)
	Invalidation       string `toml:"invalidation"`        // "transition" (default) or "any"
	Speculate          *bool  `toml:"speculate"`           // Start generation before the document step (default true)
}

// VerificationConfig holds human-verification proof settings
type VerificationConfig struct {
	TokenEnv    string `toml:"token_env"`   // Environment variable holding the proof (default VERIFICATION_TOKEN)
	Interactive *bool  `toml:"interactive"` // Prompt on stdin for a fresh proof when it expires (default true)
}

// PromptTemplates holds the customizable prompt templates
type PromptTemplates struct {
	SystemPrompt   string `toml:"system_prompt"`   // Optional system prompt
	DocumentPrompt string `toml:"document_prompt"` // User prompt rendered from the form snapshot
}

// OutputConfig holds session output settings
type OutputConfig struct {
	Dir string `toml:"dir"` // Base directory for session folders (default "output")
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

const (
	// MaxAwaitTimeoutMs caps the rendezvous wait
	MaxAwaitTimeoutMs = 600000
	// MaxReverifications caps renewals per attempt
	MaxReverifications = 10
)

// AwaitTimeout returns the rendezvous timeout as a duration
func (c CoordinatorConfig) AwaitTimeout() time.Duration {
	return time.Duration(c.AwaitTimeoutMs) * time.Millisecond
}

// SpeculationEnabled reports whether generation starts before the document step
func (c CoordinatorConfig) SpeculationEnabled() bool {
	return c.Speculate == nil || *c.Speculate
}

// InteractiveEnabled reports whether expired proofs are renewed from stdin
func (v VerificationConfig) InteractiveEnabled() bool {
	return v.Interactive == nil || *v.Interactive
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ProviderBurstPercent == 0 {
		c.ProviderBurstPercent = 15
	}
	if c.ProviderBurstPercent < 1 || c.ProviderBurstPercent > 50 {
		return fmt.Errorf("provider_burst_percent must be between 1 and 50 (got %d)", c.ProviderBurstPercent)
	}

	if err := validateModelConfig(c.Model); err != nil {
		return err
	}

	if c.Coordinator.AwaitTimeoutMs < 0 || c.Coordinator.AwaitTimeoutMs > MaxAwaitTimeoutMs {
		return fmt.Errorf("coordinator.await_timeout_ms must be between 0 and %d (got %d)", MaxAwaitTimeoutMs, c.Coordinator.AwaitTimeoutMs)
	}
	if c.Coordinator.MaxReverifications < 0 || c.Coordinator.MaxReverifications > MaxReverifications {
		return fmt.Errorf("coordinator.max_reverifications must be between 0 and %d (got %d)", MaxReverifications, c.Coordinator.MaxReverifications)
	}
	switch c.Coordinator.Invalidation {
	case "transition", "any":
	default:
		return fmt.Errorf("coordinator.invalidation must be one of: transition, any (got %q)", c.Coordinator.Invalidation)
	}

	if c.Verification.TokenEnv == "" {
		return fmt.Errorf("verification.token_env is required")
	}

	if strings.TrimSpace(c.PromptTemplates.DocumentPrompt) == "" {
		return fmt.Errorf("prompt_templates.document_prompt is required")
	}
	if err := validateTemplate("prompt_templates.document_prompt", c.PromptTemplates.DocumentPrompt); err != nil {
		return err
	}
	if err := validateTemplate("prompt_templates.system_prompt", c.PromptTemplates.SystemPrompt); err != nil {
		return err
	}

	return nil
}

func validateModelConfig(mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if !strings.HasPrefix(mc.BaseURL, "http://") && !strings.HasPrefix(mc.BaseURL, "https://") {
		return fmt.Errorf("model.base_url must start with http:// or https:// (got %q)", mc.BaseURL)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("model.model_name is required")
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("model.top_p must be between 0 and 1")
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("model.max_output_tokens must be at least 1")
	}
	if mc.ContextSize < 1 {
		return fmt.Errorf("model.context_size must be at least 1")
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("model.rate_limit_per_minute must be at least 1")
	}
	if mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("model.max_output_tokens (%d) must not exceed context_size (%d)", mc.MaxOutputTokens, mc.ContextSize)
	}
	return nil
}

// validateTemplate rejects directives RenderTemplate refuses at runtime
func validateTemplate(field, tmpl string) error {
	for _, directive := range []string{"{{call", "{{define", "{{template", "{{block"} {
		if strings.Contains(tmpl, directive) {
			return fmt.Errorf("%s contains forbidden directive: %s", field, directive)
		}
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Generic key works for any OpenAI-compatible provider
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Provider-specific keys override generic
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
		secrets.APIKeys["nvidia"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if provider := GetProviderName(baseURL); provider != baseURL {
		if key := s.APIKeys[provider]; key != "" {
			return key
		}
	}

	if key := s.APIKeys["generic"]; key != "" {
		return key
	}

	// Local servers often run without auth
	return ""
}

// GetProviderName extracts a provider name from a base URL for rate limiting
func GetProviderName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "nvidia.com"):
		return "nvidia"
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		return "together"
	}
	// For localhost or unknown providers, use the full base URL as provider name
	return baseURL
}
