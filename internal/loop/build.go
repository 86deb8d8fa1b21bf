package loop

import (
	"fmt"

	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/evaluator"
	"github.com/vk/trainergo/internal/registry"
)

// Loop type names accepted in a train_cfg spec.
const (
	TypeEpochBasedTrain = "EpochBasedTrainLoop"
	TypeIterBasedTrain  = "IterBasedTrainLoop"
	TypeVal             = "ValLoop"
	TypeTest            = "TestLoop"
)

// BuildTrain constructs a training loop from a train_cfg spec. The
// spec either names a loop type or sets by_epoch (default true); the
// matching extent key (max_epochs or max_iters) is required.
func BuildTrain(deps Deps, loader dataload.Loader, spec map[string]any) (TrainLoop, error) {
	typ, _, err := registry.StringArg(spec, "type")
	if err != nil {
		return nil, err
	}
	byEpoch := true
	switch typ {
	case "":
		if b, ok, err := registry.BoolArg(spec, "by_epoch"); err != nil {
			return nil, err
		} else if ok {
			byEpoch = b
		}
	case TypeEpochBasedTrain:
	case TypeIterBasedTrain:
		byEpoch = false
	default:
		return nil, fmt.Errorf("%w: unknown train loop type %q", registry.ErrBadSpec, typ)
	}

	cfg, err := readTrainConfig(spec, byEpoch)
	if err != nil {
		return nil, err
	}
	if byEpoch {
		return NewEpochBasedTrain(deps, loader, cfg), nil
	}
	return NewIterBasedTrain(deps, loader, cfg), nil
}

func readTrainConfig(spec map[string]any, byEpoch bool) (TrainConfig, error) {
	var cfg TrainConfig
	if byEpoch {
		n, ok, err := registry.IntArg(spec, "max_epochs")
		if err != nil {
			return cfg, err
		}
		if !ok || n <= 0 {
			return cfg, fmt.Errorf("%w: epoch-based training requires a positive max_epochs", registry.ErrBadSpec)
		}
		cfg.MaxEpochs = n
	} else {
		n, ok, err := registry.IntArg(spec, "max_iters")
		if err != nil {
			return cfg, err
		}
		if !ok || n <= 0 {
			return cfg, fmt.Errorf("%w: iteration-based training requires a positive max_iters", registry.ErrBadSpec)
		}
		cfg.MaxIters = n
	}
	if n, ok, err := registry.IntArg(spec, "val_begin"); err != nil {
		return cfg, err
	} else if ok {
		cfg.ValBegin = n
	}
	if n, ok, err := registry.IntArg(spec, "val_interval"); err != nil {
		return cfg, err
	} else if ok {
		cfg.ValInterval = n
	}
	milestones, err := readMilestones(spec)
	if err != nil {
		return cfg, err
	}
	cfg.DynamicIntervals = milestones
	return cfg, nil
}

// readMilestones parses dynamic_intervals, a list of [begin, interval]
// pairs sorted by begin.
func readMilestones(spec map[string]any) ([]Milestone, error) {
	v, ok := spec["dynamic_intervals"]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: dynamic_intervals must be a list of [begin, interval] pairs, got %T", registry.ErrBadSpec, v)
	}
	out := make([]Milestone, 0, len(list))
	prev := 0
	for i, item := range list {
		pair, _, err := registry.IntsArg(map[string]any{"pair": item}, "pair")
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("%w: dynamic_intervals element %d must be a [begin, interval] pair", registry.ErrBadSpec, i)
		}
		if pair[0] < prev {
			return nil, fmt.Errorf("%w: dynamic_intervals must be sorted by begin", registry.ErrBadSpec)
		}
		prev = pair[0]
		out = append(out, Milestone{Begin: pair[0], Interval: pair[1]})
	}
	return out, nil
}

// BuildVal constructs a validation loop from a val_cfg spec. An empty
// spec is valid; fp16 is the only knob.
func BuildVal(deps Deps, loader dataload.Loader, ev *evaluator.Evaluator, spec map[string]any) (*Val, error) {
	fp16, err := readEvalConfig(spec, TypeVal)
	if err != nil {
		return nil, err
	}
	return NewVal(deps, loader, ev, fp16), nil
}

// BuildTest constructs a test loop from a test_cfg spec.
func BuildTest(deps Deps, loader dataload.Loader, ev *evaluator.Evaluator, spec map[string]any) (*Test, error) {
	fp16, err := readEvalConfig(spec, TypeTest)
	if err != nil {
		return nil, err
	}
	return NewTest(deps, loader, ev, fp16), nil
}

func readEvalConfig(spec map[string]any, want string) (bool, error) {
	typ, ok, err := registry.StringArg(spec, "type")
	if err != nil {
		return false, err
	}
	if ok && typ != want {
		return false, fmt.Errorf("%w: unknown loop type %q, want %q", registry.ErrBadSpec, typ, want)
	}
	fp16, _, err := registry.BoolArg(spec, "fp16")
	return fp16, err
}
