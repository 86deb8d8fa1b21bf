package scheduler

import (
	"fmt"
	"sort"

	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
)

// targetKey carries the built optimizer target into scheduler
// constructors. Injected by Build, never written in config files.
const targetKey = "_target"

// BuildContext supplies the loop extents used to derive a default
// window end when a spec omits one.
type BuildContext struct {
	MaxEpochs int
	MaxIters  int
}

// Build constructs the schedulers for one optimizer target from a spec
// (a single mapping or a list of mappings). Specs without an explicit
// end default to the training extent matching their by_epoch mode;
// when that extent is unknown the spec is rejected.
func Build(set *registry.Set, ctx BuildContext, target optim.LRTarget, spec any) ([]Scheduler, error) {
	specs, err := normalize(spec)
	if err != nil {
		return nil, err
	}
	out := make([]Scheduler, 0, len(specs))
	for _, raw := range specs {
		if s, ok := raw.(Scheduler); ok {
			out = append(out, s)
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: scheduler spec must be a mapping, got %T", registry.ErrBadSpec, raw)
		}
		s, err := buildOne(set, ctx, target, m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// BuildAll constructs schedulers for a wrapper that may be a single
// OptimWrapper or an OptimWrapperDict. For a dict, the spec must be a
// mapping whose keys exactly match the wrapper names. The single-target
// case is returned under the empty key.
func BuildAll(set *registry.Set, ctx BuildContext, wrapper optim.Wrapper, spec any) (map[string][]Scheduler, error) {
	dict, ok := wrapper.(*optim.OptimWrapperDict)
	if !ok {
		target, ok := wrapper.(optim.LRTarget)
		if !ok {
			return nil, fmt.Errorf("optimizer wrapper %T cannot carry schedulers", wrapper)
		}
		built, err := Build(set, ctx, target, spec)
		if err != nil {
			return nil, err
		}
		return map[string][]Scheduler{"": built}, nil
	}

	m, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: param_scheduler for a multi-optimizer wrapper must be a mapping keyed by wrapper name, got %T",
			registry.ErrBadSpec, spec)
	}
	if err := checkKeysAlign(dict.Names(), m); err != nil {
		return nil, err
	}
	out := make(map[string][]Scheduler, len(m))
	for _, name := range dict.Names() {
		target, _ := dict.Get(name)
		built, err := Build(set, ctx, target, m[name])
		if err != nil {
			return nil, fmt.Errorf("failed to build schedulers for optimizer %q: %w", name, err)
		}
		out[name] = built
	}
	return out, nil
}

func checkKeysAlign(names []string, spec map[string]any) error {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != len(names) {
		return fmt.Errorf("%w: param_scheduler keys %v do not match optimizer wrapper keys %v", registry.ErrBadSpec, keys, names)
	}
	for i, k := range keys {
		if k != names[i] {
			return fmt.Errorf("%w: param_scheduler keys %v do not match optimizer wrapper keys %v", registry.ErrBadSpec, keys, names)
		}
	}
	return nil
}

func normalize(spec any) ([]any, error) {
	switch t := spec.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

func buildOne(set *registry.Set, ctx BuildContext, target optim.LRTarget, m map[string]any) (Scheduler, error) {
	args := make(map[string]any, len(m)+2)
	for k, v := range m {
		args[k] = v
	}
	args[targetKey] = target

	byEpoch := true
	if b, ok, err := registry.BoolArg(args, "by_epoch"); err != nil {
		return nil, err
	} else if ok {
		byEpoch = b
	}
	if _, ok := args["end"]; !ok {
		switch {
		case byEpoch && ctx.MaxEpochs > 0:
			args["end"] = ctx.MaxEpochs
		case !byEpoch && ctx.MaxIters > 0:
			args["end"] = ctx.MaxIters
		case byEpoch:
			return nil, fmt.Errorf("%w: scheduler spec omits end and max_epochs is unknown", registry.ErrBadSpec)
		default:
			return nil, fmt.Errorf("%w: scheduler spec omits end and max_iters is unknown", registry.ErrBadSpec)
		}
	}

	built, err := set.Kind(registry.KindScheduler).Build(args, nil)
	if err != nil {
		return nil, err
	}
	s, ok := built.(Scheduler)
	if !ok {
		return nil, fmt.Errorf("scheduler spec built a %T, want a scheduler", built)
	}
	return s, nil
}

type window struct {
	target  optim.LRTarget
	begin   int
	end     int
	byEpoch bool
}

func readWindow(args map[string]any) (window, error) {
	var w window
	target, ok := args[targetKey].(optim.LRTarget)
	if !ok {
		return w, fmt.Errorf("%w: scheduler spec is missing its optimizer target", registry.ErrBadSpec)
	}
	w.target = target

	begin, _, err := registry.IntArg(args, "begin")
	if err != nil {
		return w, err
	}
	w.begin = begin

	end, ok, err := registry.IntArg(args, "end")
	if err != nil {
		return w, err
	}
	if !ok {
		end = InfiniteEnd
	}
	w.end = end

	w.byEpoch = true
	if b, ok, err := registry.BoolArg(args, "by_epoch"); err != nil {
		return w, err
	} else if ok {
		w.byEpoch = b
	}
	return w, nil
}

func floatOr(args map[string]any, key string, def float64) (float64, error) {
	v, ok, err := registry.FloatArg(args, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Register installs the built-in scheduler types.
func Register(set *registry.Set) {
	reg := set.Kind(registry.KindScheduler)

	reg.Register("ConstantLR", func(args map[string]any) (any, error) {
		w, err := readWindow(args)
		if err != nil {
			return nil, err
		}
		factor, err := floatOr(args, "factor", 1.0/3)
		if err != nil {
			return nil, err
		}
		return NewConstantLR(w.target, factor, w.begin, w.end, w.byEpoch)
	})

	reg.Register("LinearLR", func(args map[string]any) (any, error) {
		w, err := readWindow(args)
		if err != nil {
			return nil, err
		}
		start, err := floatOr(args, "start_factor", 1.0/3)
		if err != nil {
			return nil, err
		}
		end, err := floatOr(args, "end_factor", 1.0)
		if err != nil {
			return nil, err
		}
		return NewLinearLR(w.target, start, end, w.begin, w.end, w.byEpoch)
	})

	reg.Register("MultiStepLR", func(args map[string]any) (any, error) {
		w, err := readWindow(args)
		if err != nil {
			return nil, err
		}
		milestones, _, err := registry.IntsArg(args, "milestones")
		if err != nil {
			return nil, err
		}
		gamma, err := floatOr(args, "gamma", 0.1)
		if err != nil {
			return nil, err
		}
		return NewMultiStepLR(w.target, milestones, gamma, w.begin, w.end, w.byEpoch)
	})

	reg.Register("StepLR", func(args map[string]any) (any, error) {
		w, err := readWindow(args)
		if err != nil {
			return nil, err
		}
		stepSize, ok, err := registry.IntArg(args, "step_size")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: StepLR requires step_size", registry.ErrBadSpec)
		}
		gamma, err := floatOr(args, "gamma", 0.1)
		if err != nil {
			return nil, err
		}
		return NewStepLR(w.target, stepSize, gamma, w.begin, w.end, w.byEpoch)
	})

	reg.Register("ExponentialLR", func(args map[string]any) (any, error) {
		w, err := readWindow(args)
		if err != nil {
			return nil, err
		}
		gamma, ok, err := registry.FloatArg(args, "gamma")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: ExponentialLR requires gamma", registry.ErrBadSpec)
		}
		return NewExponentialLR(w.target, gamma, w.begin, w.end, w.byEpoch)
	})
}

// Module adapts Register to the registry module installer.
var Module = registry.ModuleFunc(Register)
