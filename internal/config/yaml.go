package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLLoader parses .yaml/.yml config files.
type YAMLLoader struct{}

// NewYAMLLoader creates a YAML config loader.
func NewYAMLLoader() *YAMLLoader { return &YAMLLoader{} }

// Extensions implements Loader.
func (l *YAMLLoader) Extensions() []string { return []string{".yaml", ".yml"} }

// ParseFile implements Loader.
func (l *YAMLLoader) ParseFile(_ context.Context, path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if tree == nil {
		tree = make(map[string]any)
	}
	return tree, nil
}
