package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/rlm-rs/orchestrator/pkg/config"
)

// resolvedPatterns is the expanded set of maskers and patterns a named
// group resolves to.
type resolvedPatterns struct {
	codeMaskerNames []string
	regexPatterns   []*CompiledPattern
}

// compileBuiltinPatterns compiles the built-in regex catalog. Invalid
// patterns are logged and skipped rather than failing startup.
func (s *Service) compileBuiltinPatterns() {
	for name, pattern := range config.GetBuiltinConfig().MaskingPatterns {
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name: name, Regex: compiled,
			Replacement: pattern.Replacement, Description: pattern.Description,
		}
	}
}

// compileCustomPatterns compiles operator-supplied patterns, named
// "custom:{index}" to avoid colliding with the built-in catalog.
func (s *Service) compileCustomPatterns(custom []config.MaskingPattern) {
	for i, pattern := range custom {
		name := fmt.Sprintf("custom:%d", i)
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name: name, Regex: compiled,
			Replacement: pattern.Replacement, Description: pattern.Description,
		}
	}
}

// resolveGroup expands a pattern group name into its deduplicated code
// maskers and regex patterns.
func (s *Service) resolveGroup(groupName string) (*resolvedPatterns, bool) {
	groupPatterns, ok := s.patternGroups[groupName]
	if !ok {
		return nil, false
	}

	seen := make(map[string]bool)
	resolved := &resolvedPatterns{}
	builtin := config.GetBuiltinConfig()
	for _, name := range groupPatterns {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.addToResolved(resolved, name, builtin)
	}
	return resolved, true
}

func (s *Service) addToResolved(resolved *resolvedPatterns, name string, builtin *config.BuiltinConfig) {
	if slices.Contains(builtin.CodeMaskers, name) {
		resolved.codeMaskerNames = append(resolved.codeMaskerNames, name)
		return
	}
	if cp, ok := s.patterns[name]; ok {
		resolved.regexPatterns = append(resolved.regexPatterns, cp)
	}
}
