package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vk/trainergo/internal/ctxlog"
)

// Loader parses one concrete file format into a raw config tree. The
// inheritance mechanics (`extends`) live above the Loader so every format
// gets them for free.
type Loader interface {
	// ParseFile reads a single file and returns its raw tree, without
	// resolving inheritance.
	ParseFile(ctx context.Context, path string) (map[string]any, error)
	// Extensions lists the file extensions this loader accepts,
	// including the leading dot.
	Extensions() []string
}

// DetectLoader picks a loader for the given path by extension.
func DetectLoader(path string) (Loader, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, loader := range []Loader{NewYAMLLoader(), NewHCLLoader()} {
		for _, candidate := range loader.Extensions() {
			if ext == candidate {
				return loader, nil
			}
		}
	}
	return nil, fmt.Errorf("config: no loader for extension %q (file %s)", ext, path)
}

// Load reads a config file, resolving its `extends` inheritance chain.
// Base files are merged in declaration order, then the file's own keys
// override. Circular inheritance is rejected.
func Load(ctx context.Context, path string) (*Config, error) {
	loader, err := DetectLoader(path)
	if err != nil {
		return nil, err
	}
	return LoadWith(ctx, loader, path)
}

// LoadWith is Load with an explicit loader, for callers that already know
// the format.
func LoadWith(ctx context.Context, loader Loader, path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to resolve %s: %w", path, err)
	}
	tree, bases, err := loadResolved(ctx, loader, abs, nil)
	if err != nil {
		return nil, err
	}
	return NewFromFile(tree, abs, bases), nil
}

// loadResolved loads one file plus its base chain. visiting tracks the
// active chain for cycle detection.
func loadResolved(ctx context.Context, loader Loader, path string, visiting []string) (map[string]any, []string, error) {
	for _, seen := range visiting {
		if seen == path {
			return nil, nil, fmt.Errorf("config: circular inheritance: %s", strings.Join(append(visiting, path), " -> "))
		}
	}
	visiting = append(visiting, path)

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading config file.", "path", path)

	tree, err := loader.ParseFile(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	baseRefs, err := popExtends(tree, path)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]any)
	var chain []string
	for _, ref := range baseRefs {
		basePath := ref
		if !filepath.IsAbs(basePath) {
			basePath = filepath.Join(filepath.Dir(path), basePath)
		}
		baseTree, baseChain, err := loadResolved(ctx, loader, basePath, visiting)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, baseChain...)
		chain = append(chain, basePath)
		mergeTree(merged, baseTree)
	}
	mergeTree(merged, tree)
	return merged, chain, nil
}

// popExtends removes and normalizes the `extends` key: a string or a
// sequence of strings.
func popExtends(tree map[string]any, path string) ([]string, error) {
	raw, ok := tree[ExtendsKey]
	if !ok {
		return nil, nil
	}
	delete(tree, ExtendsKey)

	switch t := raw.(type) {
	case string:
		return []string{t}, nil
	case []any:
		refs := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("config: %s: extends entries must be strings, got %T", path, e)
			}
			refs = append(refs, s)
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("config: %s: extends must be a string or list of strings, got %T", path, raw)
	}
}
