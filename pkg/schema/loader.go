package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Load reads a schema file. Files ending in .json or .jsonc are parsed as
// JSON with comments; anything else as YAML.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}

	var s *Schema
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		s, err = ParseJSON(data)
	default:
		s, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	return s, nil
}

// ParseYAML parses and checks a YAML schema document.
func ParseYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.finalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseJSON parses and checks a JSON (or JSONC) schema document.
func ParseJSON(data []byte) (*Schema, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var s Schema
	if err := json.Unmarshal(standardized, &s); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.finalize(); err != nil {
		return nil, err
	}
	return &s, nil
}
