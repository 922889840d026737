// Package config implements the orchestrator's layered YAML configuration:
// built-in defaults merged with an operator-supplied YAML file, covering
// budgets, leases, worker sizing, providers, state store thresholds,
// masking pattern groups, and trace redaction.
package config

// MaskingPattern is a regex-based masking rule.
type MaskingPattern struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" validate:"required"`
	Description string `yaml:"description,omitempty"`
}

// MaskingSettings selects which built-in pattern groups/patterns apply to
// trace redaction, plus any operator-supplied custom patterns.
type MaskingSettings struct {
	PatternGroups  []string         `yaml:"pattern_groups,omitempty"`
	Patterns       []string         `yaml:"patterns,omitempty"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// BudgetConfig seeds models.DefaultBudget.
type BudgetConfig struct {
	MaxTurns          int     `yaml:"max_turns"`
	MaxTotalSeconds   float64 `yaml:"max_total_seconds"`
	MaxLLMSubcalls    int     `yaml:"max_llm_subcalls"`
	MaxLLMPromptChars int     `yaml:"max_llm_prompt_chars"`
}

// LeaseConfig configures pkg/lease.Controller and Recoverer.
type LeaseConfig struct {
	TTLSeconds          int `yaml:"ttl_seconds"`
	HeartbeatSeconds    int `yaml:"heartbeat_seconds"`
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
}

// ToolResolverConfig configures pkg/toolresolver.Resolver's concurrency and
// retry behavior.
type ToolResolverConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency"`
	RetryAttempts      int `yaml:"retry_attempts"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

// SandboxConfig configures pkg/sandbox.Limits defaults.
type SandboxConfig struct {
	MaxStatements          int `yaml:"max_statements"`
	MaxStdoutChars         int `yaml:"max_stdout_chars"`
	MaxToolRequestsPerStep int `yaml:"max_tool_requests_per_step"`
}

// StateStoreConfig configures pkg/statestore.Limits.
type StateStoreConfig struct {
	InlineCutoffBytes int `yaml:"inline_cutoff_bytes"`
	MaxStateBytes     int `yaml:"max_state_bytes"`
}

// TraceConfig configures pkg/trace.Writer's redaction switch.
type TraceConfig struct {
	Redact         bool   `yaml:"redact"`
	RedactionGroup string `yaml:"redaction_group"`
}

// LLMProviderConfig names a configured LLM backend.
type LLMProviderConfig struct {
	Type      string `yaml:"type"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// SearchProviderConfig names a configured search backend.
type SearchProviderConfig struct {
	Type    string `yaml:"type"`
	IndexID string `yaml:"index_id"`
}

// Config is the fully resolved, merged configuration for one orchestrator
// process.
type Config struct {
	Budget          BudgetConfig                    `yaml:"budget"`
	Lease           LeaseConfig                     `yaml:"lease"`
	ToolResolver    ToolResolverConfig              `yaml:"tool_resolver"`
	Sandbox         SandboxConfig                   `yaml:"sandbox"`
	StateStore      StateStoreConfig                `yaml:"state_store"`
	Trace           TraceConfig                     `yaml:"trace"`
	LLMProviders    map[string]LLMProviderConfig    `yaml:"llm_providers,omitempty"`
	SearchProviders map[string]SearchProviderConfig `yaml:"search_providers,omitempty"`
	Masking         MaskingSettings                 `yaml:"masking"`
}
