package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Formats lists the encodings accepted by Render. Each is also a config
// file format Load understands.
var Formats = []string{"yaml", "toml", "json"}

// Render encodes cfg in format. A set JWT secret is replaced with
// "<redacted>" unless showSecrets is true.
func Render(cfg *Config, format string, showSecrets bool) ([]byte, error) {
	out := *cfg
	if out.Auth.JWTSecret != "" && !showSecrets {
		out.Auth.JWTSecret = "<redacted>"
	}

	var buf bytes.Buffer
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&out); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(&out); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
	case "json":
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(toJSON(&out)); err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q (want one of %v)", format, Formats)
	}
	return buf.Bytes(), nil
}

// toJSON goes through yaml so keys and durations match the other formats.
func toJSON(cfg *Config) any {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return cfg
	}
	return m
}
