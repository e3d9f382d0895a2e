package config

import "time"

// RunsConfig bounds the agent loop.
type RunsConfig struct {
	// RecursionLimit caps model turns per run. Workflow runs share it.
	RecursionLimit int `yaml:"recursion_limit"`

	// TurnTimeout bounds a single provider turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ToolTimeout bounds a single tool execution attempt.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ToolRetries is the extra attempts for transient tool failures.
	ToolRetries int `yaml:"tool_retries"`

	// ToolParallelism limits concurrent auto-approved tool executions per turn.
	ToolParallelism int `yaml:"tool_parallelism"`

	// EstimatedTurnCost is reserved against the budget before every turn.
	EstimatedTurnCost float64 `yaml:"estimated_turn_cost"`
}

func applyRunDefaults(r *RunsConfig) {
	if r.RecursionLimit == 0 {
		r.RecursionLimit = 25
	}
	if r.TurnTimeout == 0 {
		r.TurnTimeout = 2 * time.Minute
	}
	if r.ToolTimeout == 0 {
		r.ToolTimeout = 30 * time.Second
	}
	if r.ToolRetries == 0 {
		r.ToolRetries = 1
	}
	if r.ToolParallelism == 0 {
		r.ToolParallelism = 4
	}
	if r.EstimatedTurnCost == 0 {
		r.EstimatedTurnCost = 0.01
	}
}

// BudgetConfig configures the per-owner spending window.
type BudgetConfig struct {
	// DailyLimit is the cost ceiling per window. Zero means unlimited.
	DailyLimit float64 `yaml:"daily_limit"`

	// ResetSchedule is a cron expression marking window boundaries.
	ResetSchedule string `yaml:"reset_schedule"`

	// Timezone anchors ResetSchedule.
	Timezone string `yaml:"timezone"`

	// Overrides sets per-owner limits.
	Overrides map[string]float64 `yaml:"overrides"`
}

func applyBudgetDefaults(b *BudgetConfig) {
	if b.ResetSchedule == "" {
		b.ResetSchedule = "0 0 * * *"
	}
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}
}

// LimitFor returns the limit that applies to owner.
func (b BudgetConfig) LimitFor(owner string) float64 {
	if limit, ok := b.Overrides[owner]; ok {
		return limit
	}
	return b.DailyLimit
}

// TrustConfig configures the trust snapshot cache.
type TrustConfig struct {
	// CacheTTL is how long a per-owner snapshot is served before reload. Negative disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ApprovalPolicy decides what an unattended run does with untrusted tool calls.
type ApprovalPolicy string

const (
	PolicyDenyUntrusted ApprovalPolicy = "deny_untrusted"
	PolicyApproveAll    ApprovalPolicy = "approve_all"
	PolicyBlock         ApprovalPolicy = "block"
)

// Valid reports whether p is a known policy.
func (p ApprovalPolicy) Valid() bool {
	switch p {
	case PolicyDenyUntrusted, PolicyApproveAll, PolicyBlock:
		return true
	}
	return false
}

// WorkflowConfig carries per-workflow settings for the task bridge.
type WorkflowConfig struct {
	ID             string         `yaml:"id"`
	ApprovalPolicy ApprovalPolicy `yaml:"approval_policy"`
	DefaultAgent   string         `yaml:"default_agent"`
}
