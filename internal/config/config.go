package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the main configuration structure for tollgate.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Agents        []AgentConfig       `yaml:"agents"`
	Tools         []ToolConfig        `yaml:"tools"`
	Runs          RunsConfig          `yaml:"runs"`
	Budget        BudgetConfig        `yaml:"budget"`
	Trust         TrustConfig         `yaml:"trust"`
	Workflows     []WorkflowConfig    `yaml:"workflows"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads a YAML or JSON5 configuration file, resolves includes and
// environment references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with only defaults applied. Useful for
// development with the in-memory stores.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOLLGATE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("TOLLGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	// Only fills keys for providers the file declares.
	for name, key := range map[string]string{"openai": "OPENAI_API_KEY", "anthropic": "ANTHROPIC_API_KEY"} {
		p, ok := cfg.LLM.Providers[name]
		if !ok || p.APIKey != "" {
			continue
		}
		p.APIKey = os.Getenv(key)
		cfg.LLM.Providers[name] = p
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Driver == "" {
		switch {
		case strings.HasPrefix(cfg.Database.URL, "postgres"):
			cfg.Database.Driver = DriverPostgres
		case cfg.Database.URL != "":
			cfg.Database.Driver = DriverSQLite
		default:
			cfg.Database.Driver = DriverMemory
		}
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	applyRunDefaults(&cfg.Runs)
	applyBudgetDefaults(&cfg.Budget)
	if cfg.Trust.CacheTTL == 0 {
		cfg.Trust.CacheTTL = 5 * time.Second
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Provider == "" {
			cfg.Agents[i].Provider = cfg.LLM.DefaultProvider
		}
	}
	for i := range cfg.Workflows {
		if cfg.Workflows[i].ApprovalPolicy == "" {
			cfg.Workflows[i].ApprovalPolicy = PolicyDenyUntrusted
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "tollgate"
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, fmt.Errorf("database.url is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of postgres, sqlite, memory (got %q)", c.Database.Driver))
	}

	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("llm.default_provider %q is not configured", c.LLM.DefaultProvider))
		}
	}

	tools := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			errs = append(errs, fmt.Errorf("tools[%d].name is required", i))
			continue
		}
		if tools[tool.Name] {
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate tool %q", i, tool.Name))
		}
		tools[tool.Name] = true
	}

	agents := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id is required", i))
			continue
		}
		if agents[agent.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, agent.ID))
		}
		agents[agent.ID] = true
		if len(c.LLM.Providers) > 0 {
			if _, ok := c.LLM.Providers[agent.Provider]; !ok {
				errs = append(errs, fmt.Errorf("agents[%d].provider %q is not configured", i, agent.Provider))
			}
		}
		for _, name := range agent.Tools {
			if !tools[name] {
				errs = append(errs, fmt.Errorf("agents[%d] references unknown tool %q", i, name))
			}
		}
	}

	for i, wf := range c.Workflows {
		if strings.TrimSpace(wf.ID) == "" {
			errs = append(errs, fmt.Errorf("workflows[%d].id is required", i))
		}
		if !wf.ApprovalPolicy.Valid() {
			errs = append(errs, fmt.Errorf("workflows[%d].approval_policy %q is invalid", i, wf.ApprovalPolicy))
		}
	}

	if c.Runs.RecursionLimit < 1 {
		errs = append(errs, fmt.Errorf("runs.recursion_limit must be positive"))
	}
	if c.Budget.DailyLimit < 0 {
		errs = append(errs, fmt.Errorf("budget.daily_limit must not be negative"))
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("budget.timezone: %w", err))
	}
	for i, pattern := range c.Logging.Redact {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("logging.redact[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Agent returns the agent with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, agent := range c.Agents {
		if agent.ID == id {
			return agent, true
		}
	}
	return AgentConfig{}, false
}

// Workflow returns the workflow with the given id.
func (c *Config) Workflow(id string) (WorkflowConfig, bool) {
	for _, wf := range c.Workflows {
		if wf.ID == id {
			return wf, true
		}
	}
	return WorkflowConfig{}, false
}
