package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/config"
)

func TestCompileBuiltinPatterns(t *testing.T) {
	s := &Service{patterns: make(map[string]*CompiledPattern)}
	s.compileBuiltinPatterns()
	assert.Contains(t, s.patterns, "api_key")
	assert.Contains(t, s.patterns, "password")
}

func TestCompileCustomPatterns_InvalidRegexSkipped(t *testing.T) {
	s := &Service{patterns: make(map[string]*CompiledPattern)}
	s.compileCustomPatterns([]config.MaskingPattern{
		{Pattern: `(unterminated`, Replacement: "x"},
		{Pattern: `valid-\d+`, Replacement: "y"},
	})
	assert.Len(t, s.patterns, 1)
	assert.Contains(t, s.patterns, "custom:1")
}

func TestResolveGroup_Unknown(t *testing.T) {
	s := New(nil)
	_, ok := s.resolveGroup("nope")
	assert.False(t, ok)
}

func TestResolveGroup_DeduplicatesAcrossNames(t *testing.T) {
	s := New(nil)
	resolved, ok := s.resolveGroup("security")
	require.True(t, ok)
	assert.Contains(t, resolved.codeMaskerNames, "provider_credential")
	assert.NotEmpty(t, resolved.regexPatterns)

	seen := map[string]bool{}
	for _, p := range resolved.regexPatterns {
		require.False(t, seen[p.Name], "pattern %s resolved twice", p.Name)
		seen[p.Name] = true
	}
}
