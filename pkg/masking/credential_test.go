package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderCredentialMasker_AppliesTo(t *testing.T) {
	m := &ProviderCredentialMasker{}
	assert.True(t, m.AppliesTo(`{"api_key": "xyz"}`))
	assert.False(t, m.AppliesTo(`{"model": "gpt-5"}`))
}

func TestProviderCredentialMasker_MaskJSON(t *testing.T) {
	m := &ProviderCredentialMasker{}
	in := `{"provider":"openai","api_key":"sk-live-deadbeef","nested":{"token":"abc123"}}`
	out := m.Mask(in)
	assert.NotEqual(t, in, out)
	assert.Contains(t, out, MaskedCredentialValue)
	assert.NotContains(t, out, "sk-live-deadbeef")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, `"provider": "openai"`)
}

func TestProviderCredentialMasker_MaskJSON_NoCredentials(t *testing.T) {
	m := &ProviderCredentialMasker{}
	in := `{"provider":"openai","model":"gpt-5"}`
	assert.Equal(t, in, m.Mask(in))
}

func TestProviderCredentialMasker_MaskYAML(t *testing.T) {
	m := &ProviderCredentialMasker{}
	in := "provider: anthropic\napi_key: sk-ant-abc123\nmodel: claude\n"
	out := m.Mask(in)
	assert.Contains(t, out, MaskedCredentialValue)
	assert.NotContains(t, out, "sk-ant-abc123")
	assert.Contains(t, out, "model: claude")
}

func TestProviderCredentialMasker_MaskList(t *testing.T) {
	m := &ProviderCredentialMasker{}
	in := `[{"token":"one"},{"token":"two"}]`
	out := m.Mask(in)
	assert.NotContains(t, out, "\"one\"")
	assert.NotContains(t, out, "\"two\"")
}

func TestProviderCredentialMasker_UnparsableReturnsOriginal(t *testing.T) {
	m := &ProviderCredentialMasker{}
	in := `{"api_key": "unterminated`
	assert.Equal(t, in, m.Mask(in))
}
