package strategy

import (
	"fmt"

	"github.com/vk/trainergo/internal/registry"
)

// Register installs the built-in strategy types. Constructors close
// over the set so built strategies share its registries.
func Register(set *registry.Set) {
	reg := set.Kind(registry.KindStrategy)

	reg.Register("SingleDevice", func(args map[string]any) (any, error) {
		return NewSingleDevice(set), nil
	})
	reg.Register("DDP", func(args map[string]any) (any, error) {
		return NewDDP(set), nil
	})
	reg.Register("ZeroRedundancy", func(args map[string]any) (any, error) {
		stage, ok, err := registry.IntArg(args, "stage")
		if err != nil {
			return nil, err
		}
		if !ok {
			stage = 2
		}
		return NewZeroRedundancy(set, stage)
	})
	reg.Register("Sharded", func(args map[string]any) (any, error) {
		full := true
		if b, ok, err := registry.BoolArg(args, "full_state_on_save"); err != nil {
			return nil, err
		} else if ok {
			full = b
		}
		return NewSharded(set, full), nil
	})
}

// Module adapts Register to the registry module installer.
var Module = registry.ModuleFunc(Register)

// Build constructs a strategy from a spec. A nil spec yields
// SingleDevice; a pre-built strategy passes through.
func Build(set *registry.Set, spec any) (Strategy, error) {
	if spec == nil {
		return NewSingleDevice(set), nil
	}
	if s, ok := spec.(Strategy); ok {
		return s, nil
	}
	built, err := set.Kind(registry.KindStrategy).Build(spec, nil)
	if err != nil {
		return nil, err
	}
	s, ok := built.(Strategy)
	if !ok {
		return nil, fmt.Errorf("strategy spec built a %T, want a strategy", built)
	}
	return s, nil
}
