package hook

import (
	"fmt"

	"github.com/vk/trainergo/internal/registry"
)

// defaultHookOrder fixes the registration order of the default hook
// slots.
var defaultHookOrder = []string{
	"runtime_info", "timer", "sampler_seed", "logger", "param_scheduler", "checkpoint",
}

var defaultHookSpecs = map[string]map[string]any{
	"runtime_info":    {registry.TypeKey: "RuntimeInfoHook"},
	"timer":           {registry.TypeKey: "IterTimerHook"},
	"sampler_seed":    {registry.TypeKey: "DistSamplerSeedHook"},
	"logger":          {registry.TypeKey: "LoggerHook"},
	"param_scheduler": {registry.TypeKey: "ParamSchedulerHook"},
	"checkpoint":      {registry.TypeKey: "CheckpointHook"},
}

// Built pairs a constructed hook with its resolved priority.
type Built struct {
	Hook     Hook
	Priority Priority
}

// BuildOne constructs a hook from a spec. A "priority" key overrides
// the hook's default placement.
func BuildOne(set *registry.Set, spec any) (Built, error) {
	if h, ok := spec.(Hook); ok {
		return Built{Hook: h, Priority: priorityOf(h)}, nil
	}
	m, ok := spec.(map[string]any)
	if !ok {
		return Built{}, fmt.Errorf("%w: hook spec must be a mapping, got %T", registry.ErrBadSpec, spec)
	}
	var override *Priority
	if raw, ok := m["priority"]; ok {
		p, err := ParsePriority(raw)
		if err != nil {
			return Built{}, fmt.Errorf("%w: %v", registry.ErrBadSpec, err)
		}
		override = &p
		cp := make(map[string]any, len(m))
		for k, v := range m {
			if k != "priority" {
				cp[k] = v
			}
		}
		m = cp
	}
	built, err := set.Kind(registry.KindHook).Build(m, nil)
	if err != nil {
		return Built{}, err
	}
	h, ok := built.(Hook)
	if !ok {
		return Built{}, fmt.Errorf("hook spec built a %T, want a hook", built)
	}
	p := priorityOf(h)
	if override != nil {
		p = *override
	}
	return Built{Hook: h, Priority: p}, nil
}

func priorityOf(h Hook) Priority {
	if dp, ok := h.(DefaultPrioritized); ok {
		return dp.DefaultPriority()
	}
	return PriorityNormal
}

// BuildDefaults constructs the default hook set, merged with per-slot
// overrides. An override spec replaces the slot's default spec; an
// explicit nil removes the slot; keys outside the default slots are
// rejected.
func BuildDefaults(set *registry.Set, overrides map[string]any) ([]Built, error) {
	for key := range overrides {
		if _, ok := defaultHookSpecs[key]; !ok {
			return nil, fmt.Errorf("%w: unknown default hook slot %q", registry.ErrBadSpec, key)
		}
	}
	out := make([]Built, 0, len(defaultHookOrder))
	for _, key := range defaultHookOrder {
		spec := any(defaultHookSpecs[key])
		if o, ok := overrides[key]; ok {
			if o == nil {
				continue
			}
			spec = o
		}
		b, err := BuildOne(set, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to build default hook %q: %w", key, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// BuildCustom constructs the custom hook list.
func BuildCustom(set *registry.Set, specs []any) ([]Built, error) {
	out := make([]Built, 0, len(specs))
	for i, spec := range specs {
		b, err := BuildOne(set, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to build custom hook %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
