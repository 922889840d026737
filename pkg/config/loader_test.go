package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Budget.MaxTurns)
	require.Equal(t, 8, cfg.ToolResolver.MaxConcurrency)
	require.True(t, cfg.Trace.Redact)
}

func TestLoadMergesUserFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orchestrator.yaml"), []byte(`
budget:
  max_turns: 5
trace:
  redaction_group: security
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Budget.MaxTurns)
	require.Equal(t, "security", cfg.Trace.RedactionGroup)
	// Untouched keys keep their defaults.
	require.Equal(t, 3, cfg.ToolResolver.RetryAttempts)
}

func TestLoadExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_ROOT_MODEL", "answerer-large")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orchestrator.yaml"), []byte(`
llm_providers:
  root:
    type: fake
    model: "{{.TEST_ROOT_MODEL}}"
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "answerer-large", cfg.LLMProviders["root"].Model)
}

func TestExpandEnvLeavesMalformedTemplatesAlone(t *testing.T) {
	raw := []byte("value: {{.unclosed")
	out, err := ExpandEnv(raw)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestBuiltinPatternGroupsResolve(t *testing.T) {
	b := GetBuiltinConfig()
	for group, names := range b.PatternGroups {
		require.NotEmptyf(t, names, "group %q must not be empty", group)
	}
	require.Contains(t, b.PatternGroups, "default")
}
