package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/trainergo/internal/config"
	"github.com/vk/trainergo/internal/registry"
)

// knownKeys is the accepted top-level configuration surface. Anything
// else is a typo and fails construction.
var knownKeys = map[string]bool{
	"work_dir":         true,
	"experiment_name":  true,
	"model":            true,
	"train_dataloader": true,
	"val_dataloader":   true,
	"test_dataloader":  true,
	"train_cfg":        true,
	"val_cfg":          true,
	"test_cfg":         true,
	"val_evaluator":    true,
	"test_evaluator":   true,
	"optim_wrapper":    true,
	"param_scheduler":  true,
	"strategy":         true,
	"launcher":         true,
	"randomness":       true,
	"auto_scale_lr":    true,
	"default_hooks":    true,
	"custom_hooks":     true,
	"visualizer":       true,
	"vis_backends":     true,
	"load_from":        true,
	"resume":           true,
	"compile":          true,
	"env_cfg":          true,
}

// FromConfig builds a runner from a loaded configuration tree.
func FromConfig(ctx context.Context, set *registry.Set, cfg *config.Config) (*Runner, error) {
	opts, err := OptionsFromConfig(set, cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// OptionsFromConfig maps the configuration surface onto Options.
func OptionsFromConfig(set *registry.Set, cfg *config.Config) (Options, error) {
	opts := Options{Set: set, ConfigText: cfg.Text()}
	m := cfg.Map()

	var unknown []string
	for k := range m {
		if !knownKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return opts, fmt.Errorf("%w: unknown configuration keys %v", registry.ErrBadSpec, unknown)
	}

	var err error
	if opts.WorkDir, _, err = registry.StringArg(m, "work_dir"); err != nil {
		return opts, err
	}
	if opts.ExperimentName, _, err = registry.StringArg(m, "experiment_name"); err != nil {
		return opts, err
	}
	if opts.Launcher, _, err = registry.StringArg(m, "launcher"); err != nil {
		return opts, err
	}
	if opts.LoadFrom, _, err = registry.StringArg(m, "load_from"); err != nil {
		return opts, err
	}
	if opts.Resume, _, err = registry.BoolArg(m, "resume"); err != nil {
		return opts, err
	}

	opts.Model = m["model"]
	opts.TrainDataloader = m["train_dataloader"]
	opts.ValDataloader = m["val_dataloader"]
	opts.TestDataloader = m["test_dataloader"]
	opts.ValEvaluator = m["val_evaluator"]
	opts.TestEvaluator = m["test_evaluator"]
	opts.OptimWrapper = m["optim_wrapper"]
	opts.ParamScheduler = m["param_scheduler"]
	opts.Strategy = m["strategy"]
	opts.Compile = m["compile"]

	if opts.TrainCfg, _, err = registry.SpecArg(m, "train_cfg"); err != nil {
		return opts, err
	}
	if opts.ValCfg, _, err = registry.SpecArg(m, "val_cfg"); err != nil {
		return opts, err
	}
	if opts.TestCfg, _, err = registry.SpecArg(m, "test_cfg"); err != nil {
		return opts, err
	}
	if opts.DefaultHooks, _, err = registry.SpecArg(m, "default_hooks"); err != nil {
		return opts, err
	}
	if raw, ok := m["custom_hooks"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return opts, fmt.Errorf("%w: custom_hooks must be a list, got %T", registry.ErrBadSpec, raw)
		}
		opts.CustomHooks = list
	}

	if rnd, ok, err := registry.SpecArg(m, "randomness"); err != nil {
		return opts, err
	} else if ok {
		seed, _, err := registry.IntArg(rnd, "seed")
		if err != nil {
			return opts, err
		}
		opts.Randomness.Seed = int64(seed)
		if opts.Randomness.DiffRankSeed, _, err = registry.BoolArg(rnd, "diff_rank_seed"); err != nil {
			return opts, err
		}
		if opts.Randomness.Deterministic, _, err = registry.BoolArg(rnd, "deterministic"); err != nil {
			return opts, err
		}
	}

	if asl, ok, err := registry.SpecArg(m, "auto_scale_lr"); err != nil {
		return opts, err
	} else if ok {
		if opts.AutoScaleLR.BaseBatchSize, _, err = registry.IntArg(asl, "base_batch_size"); err != nil {
			return opts, err
		}
		if opts.AutoScaleLR.Enable, _, err = registry.BoolArg(asl, "enable"); err != nil {
			return opts, err
		}
	}

	if env, ok, err := registry.SpecArg(m, "env_cfg"); err != nil {
		return opts, err
	} else if ok {
		if opts.MPStartMethod, _, err = registry.StringArg(env, "mp_start_method"); err != nil {
			return opts, err
		}
	}

	backends, err := visBackends(m)
	if err != nil {
		return opts, err
	}
	opts.VisBackends = backends
	return opts, nil
}

// visBackends accepts either a top-level vis_backends list or the
// nested visualizer.vis_backends form.
func visBackends(m map[string]any) ([]any, error) {
	raw, ok := m["vis_backends"]
	if !ok {
		vis, found, err := registry.SpecArg(m, "visualizer")
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		raw, ok = vis["vis_backends"]
		if !ok {
			return nil, nil
		}
	}
	list, isList := raw.([]any)
	if !isList {
		return nil, fmt.Errorf("%w: vis_backends must be a list, got %T", registry.ErrBadSpec, raw)
	}
	return list, nil
}
