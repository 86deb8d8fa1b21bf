// Package config implements the declarative configuration tree consumed by
// the registry and the runner.
//
// A Config is a nested mapping loaded from one or more files. Files may
// inherit from other files through the reserved `extends` key: base files
// are loaded first and merged in order, then the file's own keys override
// them. Values are addressed with dotted paths ("train_cfg.max_epochs").
//
// The tree is format-agnostic; loading from a concrete file format is the
// job of a Loader implementation (YAML or HCL).
package config

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExtendsKey is the reserved top-level key naming base config files.
const ExtendsKey = "extends"

// Config is a nested, mergeable key-value tree with provenance.
type Config struct {
	data     map[string]any
	filename string
	bases    []string
}

// New creates a Config wrapping the given tree. The tree is not copied;
// callers that retain the map share it with the Config.
func New(data map[string]any) *Config {
	if data == nil {
		data = make(map[string]any)
	}
	return &Config{data: data}
}

// NewFromFile creates a Config with source provenance attached.
func NewFromFile(data map[string]any, filename string, bases []string) *Config {
	cfg := New(data)
	cfg.filename = filename
	cfg.bases = bases
	return cfg
}

// Filename returns the source file this config was loaded from, or "" for
// configs assembled in code.
func (c *Config) Filename() string { return c.filename }

// Bases returns the inheritance chain (base files merged into this config),
// outermost first.
func (c *Config) Bases() []string { return c.bases }

// Map exposes the underlying tree.
func (c *Config) Map() map[string]any { return c.data }

// Get returns the value at a dotted path, or nil when absent.
func (c *Config) Get(path string) any {
	v, _ := c.GetOk(path)
	return v
}

// GetOk returns the value at a dotted path and whether it was present.
func (c *Config) GetOk(path string) (any, bool) {
	cur := any(c.data)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores a value at a dotted path, creating intermediate mappings as
// needed. Setting through a non-mapping intermediate returns an error.
func (c *Config) Set(path string, value any) error {
	parts := strings.Split(path, ".")
	m := c.data
	for i, part := range parts[:len(parts)-1] {
		next, ok := m[part]
		if !ok {
			child := make(map[string]any)
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config: cannot set %q: %q is not a mapping", path, strings.Join(parts[:i+1], "."))
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
	return nil
}

// Delete removes the value at a dotted path. Deleting an absent path is a
// no-op.
func (c *Config) Delete(path string) {
	parts := strings.Split(path, ".")
	m := c.data
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

// Sub returns the mapping at a dotted path as a child Config sharing the
// same underlying data, or false when the path is absent or not a mapping.
func (c *Config) Sub(path string) (*Config, bool) {
	v, ok := c.GetOk(path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return &Config{data: m, filename: c.filename}, true
}

// Merge overrides this config's keys with the other config's keys.
// Mappings present on both sides are merged recursively; any other value
// kind is replaced. The other config is not mutated.
func (c *Config) Merge(other *Config) {
	mergeTree(c.data, other.data)
}

// mergeTree merges src into dst, key by key, recursing into mappings.
func mergeTree(dst, src map[string]any) {
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[key].(map[string]any); ok {
				mergeTree(dm, sm)
				continue
			}
			dst[key] = CopyTree(sm)
			continue
		}
		dst[key] = sv
	}
}

// CopyTree deep-copies a config tree. Sequences and mappings are copied;
// scalar leaves are shared.
func CopyTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyTree(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy of the config, preserving provenance.
func (c *Config) Clone() *Config {
	return &Config{
		data:     CopyTree(c.data),
		filename: c.filename,
		bases:    append([]string(nil), c.bases...),
	}
}

// Keys returns the sorted top-level keys.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dump serializes the tree as YAML. Checkpoint metadata embeds this text so
// a resumed run can be cross-checked against its original configuration.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.data); err != nil {
		return fmt.Errorf("config: failed to dump: %w", err)
	}
	return enc.Close()
}

// Text returns the YAML serialization of the tree, or "" when the tree
// cannot be serialized.
func (c *Config) Text() string {
	var sb strings.Builder
	if err := c.Dump(&sb); err != nil {
		return ""
	}
	return sb.String()
}
