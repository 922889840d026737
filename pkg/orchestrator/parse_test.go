package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStepExtractsSingleBlock(t *testing.T) {
	code, perr := ParseStep("```repl\nx = 1\ntool.FINAL(str(x))\n```")
	require.Nil(t, perr)
	require.Equal(t, "x = 1\ntool.FINAL(str(x))", code)
}

func TestParseStepRejectsNoBlock(t *testing.T) {
	_, perr := ParseStep("I think the answer is 42.")
	require.NotNil(t, perr)
	require.Equal(t, "PARSER_ERROR", perr.Code)
}

func TestParseStepRejectsMultipleBlocks(t *testing.T) {
	_, perr := ParseStep("```repl\nx = 1\n```\nand also\n```repl\ny = 2\n```")
	require.NotNil(t, perr)
	require.Equal(t, "PARSER_ERROR", perr.Code)
}

func TestParseStepIgnoresOtherFences(t *testing.T) {
	code, perr := ParseStep("some prose\n```repl\nx = 1\n```\nmore prose")
	require.Nil(t, perr)
	require.Equal(t, "x = 1", code)
}
