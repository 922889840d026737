package orchestrator

import (
	"regexp"
	"strings"

	"github.com/rlm-rs/orchestrator/pkg/models"
)

// replFence matches a fenced code block tagged "repl".
var replFence = regexp.MustCompile("(?s)```repl\\s*\\n(.*?)```")

// ParseStep extracts the single ```repl fenced block from a root LLM
// response. Zero or more than one match is a PARSER_ERROR, fed forward into the
// next turn's prompt rather than aborting the execution.
func ParseStep(text string) (string, *models.StructuredError) {
	matches := replFence.FindAllStringSubmatch(text, -1)
	switch len(matches) {
	case 0:
		return "", &models.StructuredError{
			Code:    "PARSER_ERROR",
			Message: "root output did not contain a fenced ```repl block",
		}
	case 1:
		return strings.TrimSpace(matches[0][1]), nil
	default:
		return "", &models.StructuredError{
			Code:    "PARSER_ERROR",
			Message: "root output contained more than one fenced ```repl block",
			Details: map[string]any{"count": len(matches)},
		}
	}
}
