package optim

import (
	"fmt"

	"github.com/vk/trainergo/internal/registry"
)

// BuildWrapper turns an optim_wrapper spec into a Wrapper.
//
// Accepted shapes:
//   - a pre-built Wrapper, passed through unchanged;
//   - a mapping with an "optimizer" key: builds one OptimWrapper (the
//     optimizer may itself be pre-built or a spec for the optimizer
//     registry);
//   - a mapping with a "constructor" key: the named constructor from the
//     optim_wrapper registry builds the whole wrapper;
//   - any other multi-key mapping: every value must already be an
//     *OptimWrapper, and the result is an OptimWrapperDict.
func BuildWrapper(set *registry.Set, spec any) (Wrapper, error) {
	if w, ok := spec.(Wrapper); ok {
		return w, nil
	}
	m, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: optim_wrapper spec must be a mapping or a built wrapper, got %T", registry.ErrBadSpec, spec)
	}

	if name, ok, err := registry.StringArg(m, "constructor"); err != nil {
		return nil, err
	} else if ok {
		return buildWithConstructor(set, name, m)
	}

	if rawOpt, ok := m["optimizer"]; ok {
		return buildSingle(set, rawOpt, m)
	}

	// Named multi-optimizer form.
	wrappers := make(map[string]*OptimWrapper, len(m))
	for key, v := range m {
		w, ok := v.(*OptimWrapper)
		if !ok {
			return nil, fmt.Errorf("%w: optim_wrapper entry %q must be a built wrapper (no optimizer key present), got %T",
				registry.ErrBadSpec, key, v)
		}
		wrappers[key] = w
	}
	if len(wrappers) == 0 {
		return nil, fmt.Errorf("%w: empty optim_wrapper spec", registry.ErrBadSpec)
	}
	return NewOptimWrapperDict(wrappers), nil
}

func buildSingle(set *registry.Set, rawOpt any, m map[string]any) (Wrapper, error) {
	optimizer, err := buildOptimizer(set, rawOpt)
	if err != nil {
		return nil, err
	}
	accum, _, err := registry.IntArg(m, "accumulative_counts")
	if err != nil {
		return nil, err
	}

	typ, hasType, err := registry.StringArg(m, registry.TypeKey)
	if err != nil {
		return nil, err
	}
	if !hasType || typ == "OptimWrapper" {
		return NewOptimWrapper(optimizer, accum), nil
	}

	args := make(map[string]any, len(m))
	for k, v := range m {
		args[k] = v
	}
	args["optimizer"] = optimizer
	built, err := set.Kind(registry.KindOptimWrap).Build(args, nil)
	if err != nil {
		return nil, err
	}
	w, ok := built.(Wrapper)
	if !ok {
		return nil, fmt.Errorf("optim_wrapper type %q built a %T, want a wrapper", typ, built)
	}
	return w, nil
}

func buildOptimizer(set *registry.Set, raw any) (Optimizer, error) {
	if o, ok := raw.(Optimizer); ok {
		return o, nil
	}
	built, err := set.Kind(registry.KindOptimizer).Build(raw, nil)
	if err != nil {
		return nil, err
	}
	o, ok := built.(Optimizer)
	if !ok {
		return nil, fmt.Errorf("optimizer spec built a %T, want an optimizer", built)
	}
	return o, nil
}

func buildWithConstructor(set *registry.Set, name string, m map[string]any) (Wrapper, error) {
	ctor, err := set.Kind(registry.KindOptimWrap).Get(name)
	if err != nil {
		return nil, err
	}
	built, err := ctor(m)
	if err != nil {
		return nil, fmt.Errorf("optim_wrapper constructor %q failed: %w", name, err)
	}
	w, ok := built.(Wrapper)
	if !ok {
		return nil, fmt.Errorf("optim_wrapper constructor %q built a %T, want a wrapper", name, built)
	}
	return w, nil
}

// Register installs the built-in optimizer types.
func Register(set *registry.Set) {
	set.Kind(registry.KindOptimizer).Register("SGD", sgdCtor)
	set.Kind(registry.KindOptimWrap).Register("OptimWrapper", func(args map[string]any) (any, error) {
		optimizer, ok := args["optimizer"].(Optimizer)
		if !ok {
			return nil, fmt.Errorf("%w: OptimWrapper requires a built optimizer", registry.ErrBadSpec)
		}
		accum, _, err := registry.IntArg(args, "accumulative_counts")
		if err != nil {
			return nil, err
		}
		return NewOptimWrapper(optimizer, accum), nil
	})
}

// Module adapts Register to the registry module installer.
var Module = registry.ModuleFunc(Register)
