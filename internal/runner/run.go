package runner

import (
	"context"
	"fmt"

	"github.com/vk/trainergo/internal/checkpoint"
	"github.com/vk/trainergo/internal/config"
	"github.com/vk/trainergo/internal/ctxlog"
	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/evaluator"
	"github.com/vk/trainergo/internal/loop"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/strategy"
)

// Train prepares the strategy for training, resolves load-or-resume
// and drives the training loop between the run hooks.
func (r *Runner) Train(ctx context.Context) error {
	if r.opts.TrainDataloader == nil {
		return fmt.Errorf("training requires train_dataloader, train_cfg and optim_wrapper")
	}
	if err := r.prepareTrain(ctx); err != nil {
		return err
	}
	if err := r.hooks.BeforeRun(ctx, r); err != nil {
		return err
	}
	if err := r.loadOrResume(ctx); err != nil {
		return err
	}
	if err := r.trainLoop.Run(ctx); err != nil {
		return err
	}
	return r.hooks.AfterRun(ctx, r)
}

// Val runs one validation pass and returns its metrics. Outside a
// training run, an explicit load_from supplies the weights.
func (r *Runner) Val(ctx context.Context) (map[string]float64, error) {
	if r.opts.ValDataloader == nil {
		return nil, fmt.Errorf("validation requires val_dataloader, val_cfg and val_evaluator")
	}
	if err := r.ensureModelPrepared(ctx); err != nil {
		return nil, err
	}
	vl, err := r.ensureValLoop()
	if err != nil {
		return nil, err
	}
	if err := r.hooks.BeforeRun(ctx, r); err != nil {
		return nil, err
	}
	if !r.opts.Resume && r.opts.LoadFrom != "" {
		if err := r.loadWeights(ctx, r.opts.LoadFrom); err != nil {
			return nil, err
		}
	}
	if err := vl.Run(ctx); err != nil {
		return nil, err
	}
	if err := r.hooks.AfterRun(ctx, r); err != nil {
		return nil, err
	}
	return vl.Metrics(), nil
}

// Test runs one test pass and returns its metrics.
func (r *Runner) Test(ctx context.Context) (map[string]float64, error) {
	if r.opts.TestDataloader == nil {
		return nil, fmt.Errorf("testing requires test_dataloader, test_cfg and test_evaluator")
	}
	if err := r.ensureModelPrepared(ctx); err != nil {
		return nil, err
	}
	tl, err := r.ensureTestLoop()
	if err != nil {
		return nil, err
	}
	if err := r.hooks.BeforeRun(ctx, r); err != nil {
		return nil, err
	}
	if !r.opts.Resume && r.opts.LoadFrom != "" {
		if err := r.loadWeights(ctx, r.opts.LoadFrom); err != nil {
			return nil, err
		}
	}
	if err := tl.Run(ctx); err != nil {
		return nil, err
	}
	if err := r.hooks.AfterRun(ctx, r); err != nil {
		return nil, err
	}
	return tl.Metrics(), nil
}

// prepareTrain builds the train loader, the model/optimizer/scheduler
// triple and the training loop, wiring the validation loop in when one
// is configured.
func (r *Runner) prepareTrain(ctx context.Context) error {
	if r.trainLoop != nil {
		return fmt.Errorf("training was already prepared; a new run needs a new runner")
	}
	loader, err := r.buildLoader(r.opts.TrainDataloader)
	if err != nil {
		return fmt.Errorf("failed to build train_dataloader: %w", err)
	}
	r.trainLoader = loader

	sctx, err := schedulerContext(r.opts.TrainCfg)
	if err != nil {
		return err
	}
	owSpec, err := r.autoScaledOptim(ctx, loader)
	if err != nil {
		return err
	}
	if err := r.strat.Prepare(ctx, strategy.PrepareOptions{
		ModelSpec:        r.opts.Model,
		OptimWrapperSpec: owSpec,
		SchedulerSpec:    r.opts.ParamScheduler,
		SchedulerCtx:     sctx,
	}); err != nil {
		return err
	}
	r.prepared = true

	tl, err := loop.BuildTrain(r.loopDeps(), loader, r.opts.TrainCfg)
	if err != nil {
		return fmt.Errorf("failed to build train loop: %w", err)
	}
	r.trainLoop = tl

	if r.opts.ValDataloader != nil {
		vl, err := r.ensureValLoop()
		if err != nil {
			return err
		}
		tl.SetValidator(vl)
	}
	return nil
}

// ensureModelPrepared prepares the strategy with just the model, for
// runs that never train.
func (r *Runner) ensureModelPrepared(ctx context.Context) error {
	if r.prepared {
		return nil
	}
	if err := r.strat.Prepare(ctx, strategy.PrepareOptions{ModelSpec: r.opts.Model}); err != nil {
		return err
	}
	r.prepared = true
	return nil
}

func (r *Runner) loopDeps() loop.Deps {
	return loop.Deps{
		Hooks: r.hooks,
		View:  r,
		Model: r.strat.Model(),
		Optim: r.strat.OptimWrapper(),
	}
}

func (r *Runner) ensureValLoop() (*loop.Val, error) {
	if r.valLoop != nil {
		return r.valLoop, nil
	}
	loader, err := r.buildLoader(r.opts.ValDataloader)
	if err != nil {
		return nil, fmt.Errorf("failed to build val_dataloader: %w", err)
	}
	ev, err := evaluator.Build(r.set, r.opts.ValEvaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to build val_evaluator: %w", err)
	}
	vl, err := loop.BuildVal(r.loopDeps(), loader, ev, r.opts.ValCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build val loop: %w", err)
	}
	r.valLoader = loader
	r.valEvaluator = ev
	r.valLoop = vl
	return vl, nil
}

func (r *Runner) ensureTestLoop() (*loop.Test, error) {
	if r.testLoop != nil {
		return r.testLoop, nil
	}
	loader, err := r.buildLoader(r.opts.TestDataloader)
	if err != nil {
		return nil, fmt.Errorf("failed to build test_dataloader: %w", err)
	}
	ev, err := evaluator.Build(r.set, r.opts.TestEvaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to build test_evaluator: %w", err)
	}
	tl, err := loop.BuildTest(r.loopDeps(), loader, ev, r.opts.TestCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build test loop: %w", err)
	}
	r.testLoader = loader
	r.testEvaluator = ev
	r.testLoop = tl
	return tl, nil
}

func (r *Runner) buildLoader(spec any) (dataload.Loader, error) {
	if l, ok := spec.(dataload.Loader); ok {
		return l, nil
	}
	m, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: dataloader spec must be a mapping or a loader, got %T", registry.ErrBadSpec, spec)
	}
	return dataload.BuildLoader(r.set, r.strat.Rank(), r.strat.WorldSize(), m)
}

// schedulerContext extracts the loop extents schedulers derive their
// default windows from.
func schedulerContext(trainCfg map[string]any) (scheduler.BuildContext, error) {
	var sctx scheduler.BuildContext
	n, _, err := registry.IntArg(trainCfg, "max_epochs")
	if err != nil {
		return sctx, err
	}
	sctx.MaxEpochs = n
	n, _, err = registry.IntArg(trainCfg, "max_iters")
	if err != nil {
		return sctx, err
	}
	sctx.MaxIters = n
	return sctx, nil
}

// autoScaledOptim applies auto_scale_lr to the optimizer surface: the
// configured learning rate is multiplied by effective batch size over
// base_batch_size before the optimizer is built.
func (r *Runner) autoScaledOptim(ctx context.Context, loader dataload.Loader) (any, error) {
	spec := r.opts.OptimWrapper
	a := r.opts.AutoScaleLR
	if !a.Enable || spec == nil {
		return spec, nil
	}
	if a.BaseBatchSize <= 0 {
		return nil, fmt.Errorf("auto_scale_lr requires a positive base_batch_size")
	}
	effective := loader.BatchSize() * r.strat.WorldSize()
	factor := float64(effective) / float64(a.BaseBatchSize)
	if factor == 1 {
		return spec, nil
	}
	ctxlog.FromContext(ctx).Info("auto-scaling learning rate",
		"base_batch_size", a.BaseBatchSize,
		"effective_batch_size", effective,
		"factor", factor,
	)
	switch t := spec.(type) {
	case optim.Wrapper:
		if err := scaleWrapperLR(t, factor); err != nil {
			return nil, err
		}
		return t, nil
	case map[string]any:
		return scaleSpecLR(t, factor)
	default:
		return nil, fmt.Errorf("cannot auto-scale learning rate of %T optim_wrapper", spec)
	}
}

func scaleWrapperLR(w optim.Wrapper, factor float64) error {
	switch t := w.(type) {
	case *optim.OptimWrapper:
		t.SetLR(t.LR() * factor)
		return nil
	case *optim.OptimWrapperDict:
		for _, name := range t.Names() {
			inner, _ := t.Get(name)
			inner.SetLR(inner.LR() * factor)
		}
		return nil
	default:
		return fmt.Errorf("cannot auto-scale learning rate of %T optim_wrapper", w)
	}
}

// scaleSpecLR rewrites the lr values of an optim_wrapper spec, leaving
// the original untouched. Both the single-wrapper shape and the
// multi-wrapper mapping are handled.
func scaleSpecLR(spec map[string]any, factor float64) (map[string]any, error) {
	cp := config.CopyTree(spec)
	scaled := false
	scale := func(opt map[string]any) error {
		lr, ok, err := registry.FloatArg(opt, "lr")
		if err != nil {
			return err
		}
		if ok {
			opt["lr"] = lr * factor
			scaled = true
		}
		return nil
	}
	if opt, ok := cp["optimizer"].(map[string]any); ok {
		if err := scale(opt); err != nil {
			return nil, err
		}
	} else {
		for _, v := range cp {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if opt, ok := m["optimizer"].(map[string]any); ok {
				if err := scale(opt); err != nil {
					return nil, err
				}
			}
		}
	}
	if !scaled {
		return nil, fmt.Errorf("auto_scale_lr is enabled but the optim_wrapper spec carries no lr to scale")
	}
	return cp, nil
}

// loadOrResume resolves the checkpoint source for a training run.
// Resume restores counters and hub state; a plain load_from restores
// weights only.
func (r *Runner) loadOrResume(ctx context.Context) error {
	if r.opts.Resume {
		path := r.opts.LoadFrom
		if path == "" {
			entry, ok, err := checkpoint.FindLatest(r.workDir)
			if err != nil {
				return err
			}
			if !ok {
				ctxlog.FromContext(ctx).Warn("resume requested but no checkpoint found; starting fresh",
					"dir", r.workDir)
				return nil
			}
			path = entry.Path
		}
		return r.resume(ctx, path)
	}
	if r.opts.LoadFrom != "" {
		return r.loadWeights(ctx, r.opts.LoadFrom)
	}
	return nil
}

func (r *Runner) resume(ctx context.Context, path string) error {
	log := ctxlog.FromContext(ctx)
	ckpt, err := r.strat.LoadCheckpoint(ctx, path, strategy.LoadOptions{Optimizer: true, Schedulers: true})
	if err != nil {
		return err
	}
	meta, ok := ckpt[checkpoint.KeyMeta].(map[string]any)
	if !ok {
		return fmt.Errorf("checkpoint %s carries no meta section", path)
	}

	epoch, _, err := registry.IntArg(meta, "epoch")
	if err != nil {
		return err
	}
	iter, _, err := registry.IntArg(meta, "iter")
	if err != nil {
		return err
	}
	r.trainLoop.SetProgress(epoch, iter)

	if hubState, ok := ckpt[checkpoint.KeyMessageHub].([]byte); ok {
		if err := r.hub.LoadStateDict(hubState); err != nil {
			return fmt.Errorf("failed to restore message hub: %w", err)
		}
	}

	if ws, ok, _ := registry.IntArg(meta, "world_size"); ok && ws != r.strat.WorldSize() {
		if r.opts.AutoScaleLR.Enable {
			return fmt.Errorf("checkpoint was saved with world size %d but the run has %d; the auto-scaled learning rate cannot be carried over",
				ws, r.strat.WorldSize())
		}
		log.Warn("world size differs from the checkpoint",
			"checkpoint", ws, "current", r.strat.WorldSize())
	}
	if prev, ok := meta["dataset_meta"]; ok {
		var cur map[string]any
		if mp, ok := r.trainLoader.Dataset().(dataload.MetaProvider); ok {
			cur = mp.MetaInfo()
		}
		if fmt.Sprintf("%v", prev) != fmt.Sprintf("%v", cur) {
			log.Warn("dataset metadata differs from the checkpoint")
		}
	}
	if seed, ok, _ := registry.IntArg(meta, "seed"); ok && int64(seed) != r.strat.Seed() {
		log.Warn("seed differs from the checkpoint",
			"checkpoint", seed, "current", r.strat.Seed())
	}

	log.Info("resumed from checkpoint", "path", path, "epoch", epoch, "iter", iter)
	return r.hooks.AfterLoadCheckpoint(ctx, r, ckpt)
}

func (r *Runner) loadWeights(ctx context.Context, path string) error {
	ckpt, err := r.strat.LoadCheckpoint(ctx, path, strategy.LoadOptions{})
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("loaded checkpoint weights", "path", path)
	return r.hooks.AfterLoadCheckpoint(ctx, r, ckpt)
}
