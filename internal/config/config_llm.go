package config

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// Pricing maps "provider/model" (or just "model") to per-million-token prices.
	Pricing map[string]PricingConfig `yaml:"pricing"`
}

type LLMProviderConfig struct {
	// Type selects the client: "anthropic" or "openai". Defaults to the map key,
	// so OpenAI-compatible gateways declare type: openai with a base_url.
	Type         string `yaml:"type"`
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// PricingConfig is the cost per million tokens.
type PricingConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// AgentConfig declares an agent persona. Runs resolve it by id at start.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Tools        []string `yaml:"tools"`
}

// ToolConfig is a capability descriptor for a tool served over HTTP.
type ToolConfig struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	IntegrationID string            `yaml:"integration_id"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	Schema        map[string]any    `yaml:"schema"`
	NonRetryable  bool              `yaml:"non_retryable"`
}
