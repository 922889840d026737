package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/config"
)

func TestNew(t *testing.T) {
	svc := New(nil)
	require.NotNil(t, svc)
	assert.NotEmpty(t, svc.patterns, "should have compiled built-in patterns")
	assert.Contains(t, svc.codeMaskers, "provider_credential")
}

func TestService_Mask_RegexPattern(t *testing.T) {
	svc := New(nil)
	out, err := svc.Mask(`connecting with api_key: "sk-abcdefghijklmnopqrstuvwxyz"`, "default")
	require.NoError(t, err)
	assert.Contains(t, out, "[MASKED_API_KEY]")
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz")
}

func TestService_Mask_CodeMasker(t *testing.T) {
	svc := New(nil)
	out, err := svc.Mask(`{"provider":"openai","api_key":"sk-live-1234567890"}`, "default")
	require.NoError(t, err)
	assert.Contains(t, out, MaskedCredentialValue)
	assert.NotContains(t, out, "sk-live-1234567890")
}

func TestService_Mask_EmptyText(t *testing.T) {
	svc := New(nil)
	out, err := svc.Mask("", "default")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestService_Mask_UnknownGroup(t *testing.T) {
	svc := New(nil)
	_, err := svc.Mask("some text", "does-not-exist")
	assert.Error(t, err)
}

func TestService_Mask_CustomPattern(t *testing.T) {
	svc := New([]config.MaskingPattern{
		{Pattern: `TENANT-\d{6}`, Replacement: "[MASKED_TENANT]"},
	})
	out, err := svc.Mask("tenant ref TENANT-482913 flagged", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "[MASKED_TENANT]")
}

func TestService_Mask_MinimalGroupSkipsRegexSweep(t *testing.T) {
	svc := New(nil)
	out, err := svc.Mask(`password: "hunter222"`, "minimal")
	require.NoError(t, err)
	assert.Contains(t, out, "hunter222", "minimal group only runs the code masker, not the password regex")
}
