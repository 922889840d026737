package config

import "sync"

// BuiltinConfig holds default configuration: the masking pattern catalog
// and process defaults.
type BuiltinConfig struct {
	MaskingPatterns map[string]MaskingPattern
	PatternGroups   map[string][]string
	CodeMaskers     []string
	Defaults        Config
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized).
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		MaskingPatterns: initBuiltinMaskingPatterns(),
		PatternGroups:   initBuiltinPatternGroups(),
		CodeMaskers:     initBuiltinCodeMaskers(),
		Defaults:        initDefaults(),
	}
}

// initBuiltinMaskingPatterns covers what a tool/search payload or sandbox
// stdout can plausibly carry: provider credentials.
func initBuiltinMaskingPatterns() map[string]MaskingPattern {
	return map[string]MaskingPattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-]{20,})["\']?`,
			Replacement: `"api_key": "[MASKED_API_KEY]"`,
			Description: "API keys embedded in free text",
		},
		"bearer_token": {
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.]{16,}`,
			Replacement: `Bearer [MASKED_TOKEN]`,
			Description: "Bearer authorization tokens",
		},
		"password": {
			Pattern:     `(?i)(?:password|pwd|pass)["\']?\s*[:=]\s*["\']?([^"\'\s\n]{6,})["\']?`,
			Replacement: `"password": "[MASKED_PASSWORD]"`,
			Description: "Passwords",
		},
		"certificate": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `[MASKED_CERTIFICATE]`,
			Description: "PEM-encoded certificates and private keys",
		},
		"email": {
			Pattern:     `(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`,
			Replacement: `[MASKED_EMAIL]`,
			Description: "Email addresses",
		},
	}
}

// initBuiltinPatternGroups defines named bundles of pattern/masker names
// that pkg/trace and pkg/masking resolve a redaction group against.
func initBuiltinPatternGroups() map[string][]string {
	return map[string][]string{
		"default":  {"provider_credential", "api_key", "bearer_token", "password", "certificate"},
		"security": {"provider_credential", "api_key", "bearer_token", "password", "certificate", "email"},
		"minimal":  {"provider_credential"},
	}
}

func initBuiltinCodeMaskers() []string {
	return []string{"provider_credential"}
}

func initDefaults() Config {
	return Config{
		Budget: BudgetConfig{
			MaxTurns:          25,
			MaxTotalSeconds:   600,
			MaxLLMSubcalls:    50,
			MaxLLMPromptChars: 2_000_000,
		},
		Lease: LeaseConfig{
			TTLSeconds:          60,
			HeartbeatSeconds:    20,
			MaxRecoveryAttempts: 3,
			ScanIntervalSeconds: 30,
		},
		ToolResolver: ToolResolverConfig{
			MaxConcurrency:     8,
			RetryAttempts:      3,
			CallTimeoutSeconds: 30,
		},
		Sandbox: SandboxConfig{
			MaxStatements:          5000,
			MaxStdoutChars:         20000,
			MaxToolRequestsPerStep: 16,
		},
		StateStore: StateStoreConfig{
			InlineCutoffBytes: 8192,
			MaxStateBytes:     2_000_000,
		},
		Trace: TraceConfig{
			Redact:         true,
			RedactionGroup: "default",
		},
		Masking: MaskingSettings{
			PatternGroups: []string{"default"},
		},
	}
}
