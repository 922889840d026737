// Package masking implements trace and tool-response redaction:
// code-based structural maskers run first, then a sweep of compiled regex
// patterns, resolved by named pattern group.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/rlm-rs/orchestrator/pkg/config"
)

// CompiledPattern is a pre-compiled regex masking rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// Service applies data masking to trace records and tool-response content.
// Stateless aside from its compiled patterns, so one Service is shared
// across an execution.
type Service struct {
	patterns      map[string]*CompiledPattern
	patternGroups map[string][]string
	codeMaskers   map[string]Masker
}

// New compiles the built-in pattern catalog plus any operator-supplied
// custom patterns, and registers the code-based structural maskers.
func New(custom []config.MaskingPattern) *Service {
	s := &Service{
		patterns:      make(map[string]*CompiledPattern),
		patternGroups: config.GetBuiltinConfig().PatternGroups,
		codeMaskers:   make(map[string]Masker),
	}
	s.compileBuiltinPatterns()
	s.compileCustomPatterns(custom)
	s.registerMasker(&ProviderCredentialMasker{})

	slog.Debug("masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))
	return s
}

// Mask applies the named pattern group's code maskers then regex patterns
// to text, in that order: structural masking first, general sweep second. An unknown group is an error so a
// misconfigured redaction_group fails loudly instead of silently leaking.
func (s *Service) Mask(text, group string) (string, error) {
	if text == "" {
		return text, nil
	}
	resolved, ok := s.resolveGroup(group)
	if !ok {
		return text, fmt.Errorf("masking: unknown pattern group %q", group)
	}

	masked := text
	for _, name := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[name]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked, nil
}

func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
