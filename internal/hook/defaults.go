package hook

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vk/trainergo/internal/checkpoint"
	"github.com/vk/trainergo/internal/ctxlog"
	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
)

// RuntimeInfoHook publishes the run's position (epoch, iteration,
// extents) and the current learning rates into the message hub before
// every iteration, and mirrors step outputs into scalar histories.
type RuntimeInfoHook struct {
	Base
}

func NewRuntimeInfoHook() *RuntimeInfoHook { return &RuntimeInfoHook{} }

func (h *RuntimeInfoHook) Name() string { return "RuntimeInfoHook" }

func (h *RuntimeInfoHook) DefaultPriority() Priority { return PriorityVeryHigh }

func (h *RuntimeInfoHook) BeforeTrain(ctx context.Context, r Runner) error {
	hub := r.Hub()
	hub.UpdateInfo("max_epochs", r.MaxEpochs())
	hub.UpdateInfo("max_iters", r.MaxIters())
	return h.publishProgress(r)
}

func (h *RuntimeInfoHook) BeforeTrainEpoch(ctx context.Context, r Runner) error {
	return h.publishProgress(r)
}

// BeforeTrainIter publishes progress and the learning rates. The lr
// scalars land here and only here, once per iteration, so their
// history is the exact per-iteration schedule.
func (h *RuntimeInfoHook) BeforeTrainIter(ctx context.Context, r Runner, batchIdx int, batch any) error {
	if err := h.publishProgress(r); err != nil {
		return err
	}
	hub := r.Hub()
	switch ow := r.OptimWrapper().(type) {
	case nil:
	case *optim.OptimWrapperDict:
		for _, name := range ow.Names() {
			w, _ := ow.Get(name)
			hub.UpdateScalar("train/"+name+".lr", w.LR())
		}
	case optim.LRTarget:
		hub.UpdateScalar("train/lr", ow.LR())
	}
	return nil
}

func (h *RuntimeInfoHook) publishProgress(r Runner) error {
	hub := r.Hub()
	hub.UpdateInfo("epoch", r.Epoch())
	hub.UpdateInfo("iter", r.Iter())
	return nil
}

func (h *RuntimeInfoHook) AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error {
	hub := r.Hub()
	for k, v := range outputs {
		hub.UpdateScalar("train/"+k, v)
	}
	return nil
}

// IterTimerHook measures per-iteration wall time and data-loading time
// into the message hub.
type IterTimerHook struct {
	Base
	now        func() time.Time
	epochStart time.Time
	iterStart  time.Time
}

func NewIterTimerHook() *IterTimerHook { return &IterTimerHook{now: time.Now} }

func (h *IterTimerHook) Name() string { return "IterTimerHook" }

func (h *IterTimerHook) BeforeTrainEpoch(ctx context.Context, r Runner) error {
	h.epochStart = h.now()
	h.iterStart = h.epochStart
	return nil
}

func (h *IterTimerHook) BeforeTrainIter(ctx context.Context, r Runner, batchIdx int, batch any) error {
	// Time since the previous iteration ended is spent fetching data.
	r.Hub().UpdateScalar("train/data_time", h.now().Sub(h.iterStart).Seconds())
	return nil
}

func (h *IterTimerHook) AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error {
	now := h.now()
	r.Hub().UpdateScalar("train/time", now.Sub(h.iterStart).Seconds())
	h.iterStart = now
	return nil
}

// DistSamplerSeedHook reseeds epoch-aware samplers before every train
// epoch so shuffles agree across ranks.
type DistSamplerSeedHook struct {
	Base
}

func NewDistSamplerSeedHook() *DistSamplerSeedHook { return &DistSamplerSeedHook{} }

func (h *DistSamplerSeedHook) Name() string { return "DistSamplerSeedHook" }

func (h *DistSamplerSeedHook) BeforeTrainEpoch(ctx context.Context, r Runner) error {
	loader := r.TrainLoader()
	if loader == nil {
		return nil
	}
	if seeder, ok := loader.Sampler().(dataload.EpochSeeder); ok {
		seeder.SetEpoch(r.Epoch())
	}
	return nil
}

// LoggerHook emits a progress line every interval train iterations and
// forwards scalars to the visualizer.
type LoggerHook struct {
	Base
	interval int
}

// NewLoggerHook logs every interval iterations (default 10).
func NewLoggerHook(interval int) *LoggerHook {
	if interval < 1 {
		interval = 10
	}
	return &LoggerHook{interval: interval}
}

func (h *LoggerHook) Name() string { return "LoggerHook" }

func (h *LoggerHook) DefaultPriority() Priority { return PriorityBelowNormal }

func (h *LoggerHook) AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error {
	iter := r.Iter()
	if iter%h.interval != 0 {
		return nil
	}
	hub := r.Hub()
	scalars := map[string]float64{}
	attrs := []any{"iter", iter, "max_iters", r.MaxIters()}
	for _, key := range hub.ScalarKeys() {
		buf := hub.Scalar(key)
		scalars[key] = buf.Mean(h.interval)
	}
	if buf := hub.Scalar("train/lr"); buf != nil {
		attrs = append(attrs, "lr", buf.Current())
	}
	if buf := hub.Scalar("train/loss"); buf != nil {
		attrs = append(attrs, "loss", buf.Mean(h.interval))
	}
	if buf := hub.Scalar("train/time"); buf != nil {
		remaining := r.MaxIters() - iter
		if remaining > 0 {
			eta := time.Duration(buf.Mean(h.interval)*float64(remaining)) * time.Second
			attrs = append(attrs, "eta", eta.Round(time.Second).String())
		}
	}
	ctxlog.FromContext(ctx).Info("train progress", attrs...)

	if err := r.Visualizer().WriteScalars(iter, scalars); err != nil {
		return err
	}
	return nil
}

func (h *LoggerHook) AfterValEpoch(ctx context.Context, r Runner, metrics map[string]float64) error {
	attrs := []any{"epoch", r.Epoch(), "iter", r.Iter()}
	for k, v := range metrics {
		attrs = append(attrs, k, v)
	}
	ctxlog.FromContext(ctx).Info("validation results", attrs...)
	return r.Visualizer().WriteScalars(r.Iter(), metrics)
}

func (h *LoggerHook) AfterTestEpoch(ctx context.Context, r Runner, metrics map[string]float64) error {
	attrs := []any{"iter", r.Iter()}
	for k, v := range metrics {
		attrs = append(attrs, k, v)
	}
	ctxlog.FromContext(ctx).Info("test results", attrs...)
	return nil
}

// ParamSchedulerHook steps schedulers: per-iteration ones after every
// train iteration, per-epoch ones after every train epoch.
type ParamSchedulerHook struct {
	Base
}

func NewParamSchedulerHook() *ParamSchedulerHook { return &ParamSchedulerHook{} }

func (h *ParamSchedulerHook) Name() string { return "ParamSchedulerHook" }

func (h *ParamSchedulerHook) DefaultPriority() Priority { return PriorityLow }

func (h *ParamSchedulerHook) AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error {
	h.step(r, false)
	return nil
}

func (h *ParamSchedulerHook) AfterTrainEpoch(ctx context.Context, r Runner) error {
	h.step(r, true)
	return nil
}

func (h *ParamSchedulerHook) step(r Runner, byEpoch bool) {
	for _, group := range r.Schedulers() {
		for _, s := range group {
			if s.ByEpoch() == byEpoch {
				s.Step()
			}
		}
	}
}

// CheckpointHook saves training state periodically and prunes old
// checkpoints beyond a retention limit.
type CheckpointHook struct {
	Base
	interval int
	byEpoch  bool
	maxKeep  int
}

// NewCheckpointHook saves every interval epochs (or iterations when
// byEpoch is false). maxKeep <= 0 keeps everything.
func NewCheckpointHook(interval int, byEpoch bool, maxKeep int) *CheckpointHook {
	if interval < 1 {
		interval = 1
	}
	return &CheckpointHook{interval: interval, byEpoch: byEpoch, maxKeep: maxKeep}
}

func (h *CheckpointHook) Name() string { return "CheckpointHook" }

func (h *CheckpointHook) DefaultPriority() Priority { return PriorityVeryLow }

func (h *CheckpointHook) AfterTrainEpoch(ctx context.Context, r Runner) error {
	if !h.byEpoch || r.Epoch()%h.interval != 0 {
		return nil
	}
	return h.save(ctx, r)
}

func (h *CheckpointHook) AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error {
	if h.byEpoch || r.Iter()%h.interval != 0 {
		return nil
	}
	return h.save(ctx, r)
}

func (h *CheckpointHook) save(ctx context.Context, r Runner) error {
	path, err := r.SaveCheckpoint(ctx)
	if err != nil {
		return err
	}
	if path != "" {
		ctxlog.FromContext(ctx).Info("saved checkpoint", "path", path)
	}
	return h.prune(r)
}

func (h *CheckpointHook) prune(r Runner) error {
	if h.maxKeep <= 0 || r.Rank() != 0 {
		return nil
	}
	entries, err := checkpoint.List(r.WorkDir())
	if err != nil {
		return fmt.Errorf("checkpoint pruning failed: %w", err)
	}
	kind := entries[:0]
	for _, e := range entries {
		if e.ByEpoch == h.byEpoch {
			kind = append(kind, e)
		}
	}
	if len(kind) <= h.maxKeep {
		return nil
	}
	for _, e := range kind[:len(kind)-h.maxKeep] {
		if err := os.Remove(e.Path); err != nil {
			return fmt.Errorf("checkpoint pruning failed: %w", err)
		}
	}
	return nil
}

// Register installs the built-in hook types.
func Register(set *registry.Set) {
	reg := set.Kind(registry.KindHook)

	reg.Register("RuntimeInfoHook", func(args map[string]any) (any, error) {
		return NewRuntimeInfoHook(), nil
	})
	reg.Register("IterTimerHook", func(args map[string]any) (any, error) {
		return NewIterTimerHook(), nil
	})
	reg.Register("DistSamplerSeedHook", func(args map[string]any) (any, error) {
		return NewDistSamplerSeedHook(), nil
	})
	reg.Register("LoggerHook", func(args map[string]any) (any, error) {
		interval, _, err := registry.IntArg(args, "interval")
		if err != nil {
			return nil, err
		}
		return NewLoggerHook(interval), nil
	})
	reg.Register("ParamSchedulerHook", func(args map[string]any) (any, error) {
		return NewParamSchedulerHook(), nil
	})
	reg.Register("CheckpointHook", func(args map[string]any) (any, error) {
		interval, ok, err := registry.IntArg(args, "interval")
		if err != nil {
			return nil, err
		}
		if !ok {
			interval = 1
		}
		byEpoch := true
		if b, ok, err := registry.BoolArg(args, "by_epoch"); err != nil {
			return nil, err
		} else if ok {
			byEpoch = b
		}
		maxKeep, _, err := registry.IntArg(args, "max_keep_ckpts")
		if err != nil {
			return nil, err
		}
		return NewCheckpointHook(interval, byEpoch, maxKeep), nil
	})
}

// Module adapts Register to the registry module installer.
var Module = registry.ModuleFunc(Register)
