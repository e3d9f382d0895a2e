package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/config"
)

// New builds the provider registered under name.
func New(name string, cfg config.LLMProviderConfig) (agent.LLMProvider, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	if kind == "" {
		kind = strings.ToLower(name)
	}
	switch kind {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			Name:         name,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("provider %s: unsupported type %q", name, kind)
	}
}

// FromConfig builds every configured provider keyed by name.
func FromConfig(cfg config.LLMConfig) (map[string]agent.LLMProvider, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]agent.LLMProvider, len(names))
	for _, name := range names {
		provider, err := New(name, cfg.Providers[name])
		if err != nil {
			return nil, err
		}
		out[name] = provider
	}
	return out, nil
}
