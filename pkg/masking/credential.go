package masking

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedCredentialValue replaces masked credential field values.
const MaskedCredentialValue = "[MASKED_CREDENTIAL]"

// credentialFieldNames are the map keys a structured tool-response or
// corpus-document payload uses for provider credentials. Matching is
// case-insensitive.
var credentialFieldNames = map[string]bool{
	"api_key": true, "apikey": true, "api-key": true,
	"authorization": true, "bearer_token": true, "bearertoken": true,
	"access_token": true, "accesstoken": true, "refresh_token": true,
	"secret": true, "secret_key": true, "secretkey": true,
	"client_secret": true, "clientsecret": true,
	"password": true, "token": true, "private_key": true, "privatekey": true,
}

// ProviderCredentialMasker masks credential-shaped fields (api_key, token,
// authorization, ...) inside structured JSON or YAML payloads while leaving
// the rest of the document untouched. Tool responses and corpus documents
// carry provider config blobs, so the gate is the field name.
type ProviderCredentialMasker struct{}

func (m *ProviderCredentialMasker) Name() string { return "provider_credential" }

// AppliesTo is a cheap pre-filter: only attempt structural parsing when the
// text plausibly contains a credential field name.
func (m *ProviderCredentialMasker) AppliesTo(data string) bool {
	lower := strings.ToLower(data)
	for field := range credentialFieldNames {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// Mask detects JSON vs YAML and applies the matching structural masker.
// Returns the original data on parse/processing errors or when nothing
// matched.
func (m *ProviderCredentialMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked := m.maskJSON(data); masked != data {
			return masked
		}
	}
	if masked := m.maskYAML(data); masked != data {
		return masked
	}
	return data
}

func (m *ProviderCredentialMasker) maskJSON(data string) string {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}
	if !maskCredentialFields(v) {
		return data
	}
	result, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return data
	}
	output := string(result)
	if strings.HasSuffix(data, "\n") {
		output += "\n"
	}
	return output
}

// maskYAML handles multi-document YAML (--- separated), masking each
// document independently before re-serializing.
func (m *ProviderCredentialMasker) maskYAML(data string) string {
	decoder := yaml.NewDecoder(strings.NewReader(data))
	var documents []any
	anyMasked := false

	for {
		var doc any
		err := decoder.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return data
		}
		if doc == nil {
			continue
		}
		if maskCredentialFields(doc) {
			anyMasked = true
		}
		documents = append(documents, doc)
	}
	if !anyMasked || len(documents) == 0 {
		return data
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range documents {
		if err := encoder.Encode(doc); err != nil {
			return data
		}
	}
	if err := encoder.Close(); err != nil {
		return data
	}

	result := strings.TrimRight(buf.String(), "\n")
	if strings.HasSuffix(data, "\n") {
		result += "\n"
	}
	return result
}

// maskCredentialFields walks a generically-decoded JSON/YAML value,
// replacing string values keyed by a credential field name. Returns true if
// anything was masked.
func maskCredentialFields(v any) bool {
	masked := false
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if credentialFieldNames[strings.ToLower(k)] {
				if _, isString := val.(string); isString {
					t[k] = MaskedCredentialValue
					masked = true
					continue
				}
			}
			if maskCredentialFields(val) {
				masked = true
			}
		}
	case []any:
		for _, item := range t {
			if maskCredentialFields(item) {
				masked = true
			}
		}
	}
	return masked
}
