package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads an optional `orchestrator.yaml` from configDir, merges it over
// the built-in defaults (user values win), and returns the resolved
// Config. A single file covers this service; there is no per-provider or
// per-agent configuration to split out.
func Load(configDir string) (*Config, error) {
	cfg := GetBuiltinConfig().Defaults

	path := filepath.Join(configDir, "orchestrator.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded, err := ExpandEnv(data)
	if err != nil {
		return nil, fmt.Errorf("config: expand env in %s: %w", path, err)
	}

	var user Config
	if err := yaml.Unmarshal(expanded, &user); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge %s: %w", path, err)
	}
	return &cfg, nil
}

// ExpandEnv substitutes `{{.VAR}}` placeholders in YAML content with the
// named environment variable's value, so secrets (API keys, index
// credentials) never need to be checked in.
// On template errors the original data is returned unchanged.
func ExpandEnv(data []byte) ([]byte, error) {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data, nil //nolint:nilerr // malformed template, fall back to raw content
	}

	env := envMap()
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data, nil //nolint:nilerr // same defensive fallback
	}
	return buf.Bytes(), nil
}

func envMap() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
