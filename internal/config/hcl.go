package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// HCLLoader parses .hcl config files into the same tree shape the YAML
// loader produces. Attributes become scalar/sequence/mapping entries;
// blocks become nested mappings, with labeled blocks nesting one level
// per label.
type HCLLoader struct {
	parser *hclparse.Parser
}

// NewHCLLoader creates an HCL config loader.
func NewHCLLoader() *HCLLoader {
	return &HCLLoader{parser: hclparse.NewParser()}
}

// Extensions implements Loader.
func (l *HCLLoader) Extensions() []string { return []string{".hcl"} }

// ParseFile implements Loader.
func (l *HCLLoader) ParseFile(_ context.Context, path string) (map[string]any, error) {
	file, diags := l.parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: failed to parse HCL file %s: %w", path, diags)
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("config: %s: unexpected HCL body type %T", path, file.Body)
	}
	return bodyToTree(body)
}

// bodyToTree converts an HCL body to a config tree. Expressions are
// evaluated without variables: config files are pure data, references to
// registry types are plain strings.
func bodyToTree(body *hclsyntax.Body) (map[string]any, error) {
	tree := make(map[string]any)

	for name, attr := range body.Attributes {
		val, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return nil, fmt.Errorf("config: failed to evaluate attribute %q at %s: %w",
				name, attr.SrcRange.String(), diags)
		}
		goVal, err := ctyToNative(val)
		if err != nil {
			return nil, fmt.Errorf("config: attribute %q at %s: %w", name, attr.SrcRange.String(), err)
		}
		tree[name] = goVal
	}

	for _, block := range body.Blocks {
		sub, err := bodyToTree(block.Body)
		if err != nil {
			return nil, err
		}
		// Labels nest the block one mapping level per label:
		// `hook "checkpoint" { ... }` -> tree["hook"]["checkpoint"].
		target := tree
		keys := append([]string{block.Type}, block.Labels...)
		for _, key := range keys[:len(keys)-1] {
			next, ok := target[key].(map[string]any)
			if !ok {
				next = make(map[string]any)
				target[key] = next
			}
			target = next
		}
		last := keys[len(keys)-1]
		if existing, ok := target[last].(map[string]any); ok {
			mergeTree(existing, sub)
		} else {
			target[last] = sub
		}
	}

	return tree, nil
}

// ctyToNative recursively converts a cty.Value to its most natural Go
// counterpart, matching the value kinds the YAML loader emits.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		// Integers stay integers so specs like max_epochs decode cleanly.
		var i int
		if err := gocty.FromCtyValue(v, &i); err == nil {
			return i, nil
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert cty.Number: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		slice := make([]any, 0)
		it := v.ElementIterator()
		for it.Next() {
			_, val := it.Element()
			native, err := ctyToNative(val)
			if err != nil {
				return nil, err
			}
			slice = append(slice, native)
		}
		return slice, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, val := it.Element()
			native, err := ctyToNative(val)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			m[key.AsString()] = native
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
