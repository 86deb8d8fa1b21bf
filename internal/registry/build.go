package registry

import (
	"errors"
	"fmt"

	"github.com/vk/trainergo/internal/lazy"
)

// TypeKey is the reserved spec key naming the registered constructor.
const TypeKey = "type"

// Registry lookup and spec-shape error kinds. Build errors wrap one of
// these so callers can classify failures without string matching.
var (
	// ErrNotRegistered reports a type name that resolved nowhere in the
	// scope chain.
	ErrNotRegistered = errors.New("registry: type not registered")
	// ErrBadSpec reports a spec whose shape is invalid (missing or
	// non-string type key, argument rejected by the constructor).
	ErrBadSpec = errors.New("registry: invalid spec")
)

// Build constructs an object from a spec mapping: the reserved `type`
// key names the constructor, every other key is passed through as an
// argument. Keys of defaultArgs are merged in for keys the spec does
// not set.
//
// The spec and defaultArgs maps are never mutated.
func (r *Registry) Build(rawSpec any, defaultArgs map[string]any) (any, error) {
	if rawSpec == nil {
		return nil, fmt.Errorf("%w: nil spec in scope %q", ErrBadSpec, r.scope)
	}
	spec, ok := rawSpec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: spec in scope %q must be a mapping, got %T", ErrBadSpec, r.scope, rawSpec)
	}

	rawType, ok := spec[TypeKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q key in scope %q", ErrBadSpec, TypeKey, r.scope)
	}

	args := make(map[string]any, len(spec)+len(defaultArgs))
	for k, v := range defaultArgs {
		args[k] = v
	}
	for k, v := range spec {
		if k == TypeKey {
			continue
		}
		args[k] = v
	}

	ctor, err := r.resolveType(rawType)
	if err != nil {
		return nil, err
	}

	obj, err := ctor(args)
	if err != nil {
		return nil, fmt.Errorf("failed to build %v in scope %q: %w", rawType, r.scope, err)
	}
	return obj, nil
}

// resolveType accepts a type name for table lookup, or a Constructor
// passed directly in place of a name (the resolved form of a lazy
// reference).
func (r *Registry) resolveType(rawType any) (Constructor, error) {
	switch t := rawType.(type) {
	case string:
		return r.Get(t)
	case Constructor:
		return t, nil
	case func(map[string]any) (any, error):
		return t, nil
	case *lazy.Ref:
		v, err := t.Value()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSpec, err)
		}
		return r.resolveType(v)
	default:
		return nil, fmt.Errorf("%w: %q must be a string or constructor, got %T", ErrBadSpec, TypeKey, rawType)
	}
}
