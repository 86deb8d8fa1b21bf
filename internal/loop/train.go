package loop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vk/trainergo/internal/dataload"
)

// EpochBasedTrain runs training as a fixed number of passes over the
// loader. Validation triggers between epochs.
type EpochBasedTrain struct {
	deps   Deps
	loader dataload.Loader
	cfg    TrainConfig

	validator Loop
	epoch     int
	iter      int
}

func NewEpochBasedTrain(deps Deps, loader dataload.Loader, cfg TrainConfig) *EpochBasedTrain {
	if cfg.ValBegin <= 0 {
		cfg.ValBegin = 1
	}
	if cfg.ValInterval <= 0 {
		cfg.ValInterval = 1
	}
	return &EpochBasedTrain{deps: deps, loader: loader, cfg: cfg}
}

func (l *EpochBasedTrain) Epoch() int     { return l.epoch }
func (l *EpochBasedTrain) Iter() int      { return l.iter }
func (l *EpochBasedTrain) MaxEpochs() int { return l.cfg.MaxEpochs }
func (l *EpochBasedTrain) MaxIters() int  { return l.cfg.MaxEpochs * l.loader.Len() }

func (l *EpochBasedTrain) SetProgress(epoch, iter int) { l.epoch, l.iter = epoch, iter }
func (l *EpochBasedTrain) SetValidator(v Loop)         { l.validator = v }

func (l *EpochBasedTrain) Run(ctx context.Context) error {
	hooks, view := l.deps.Hooks, l.deps.View
	if err := hooks.BeforeTrain(ctx, view); err != nil {
		return err
	}
	for l.epoch < l.cfg.MaxEpochs {
		if err := l.runEpoch(ctx); err != nil {
			return err
		}
		if l.shouldValidate() {
			if err := l.validator.Run(ctx); err != nil {
				return err
			}
		}
	}
	return hooks.AfterTrain(ctx, view)
}

func (l *EpochBasedTrain) runEpoch(ctx context.Context) error {
	hooks, view := l.deps.Hooks, l.deps.View
	if err := hooks.BeforeTrainEpoch(ctx, view); err != nil {
		return err
	}
	// Reset after the epoch hooks so a sampler reseed takes effect.
	l.loader.Reset()
	for idx := 0; ; idx++ {
		batch, ok := l.loader.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hooks.BeforeTrainIter(ctx, view, idx, batch); err != nil {
			return err
		}
		outputs, err := l.deps.Model.TrainStep(batch, l.deps.Optim)
		if err != nil {
			return errors.Wrapf(err, "train step failed at iteration %d", l.iter)
		}
		l.iter++
		if err := hooks.AfterTrainIter(ctx, view, idx, batch, outputs); err != nil {
			return err
		}
	}
	if err := l.loader.Err(); err != nil {
		return errors.Wrap(err, "train loader")
	}
	l.epoch++
	return hooks.AfterTrainEpoch(ctx, view)
}

func (l *EpochBasedTrain) shouldValidate() bool {
	if l.validator == nil || l.epoch < l.cfg.ValBegin {
		return false
	}
	interval := l.cfg.intervalAt(l.epoch)
	if interval <= 0 {
		return false
	}
	return l.epoch%interval == 0 || l.epoch == l.cfg.MaxEpochs
}

// IterBasedTrain runs training for a fixed number of iterations,
// cycling the loader as often as needed. Epoch hooks fire exactly once
// around the whole run.
type IterBasedTrain struct {
	deps   Deps
	loader dataload.Loader
	cfg    TrainConfig

	validator Loop
	epoch     int
	iter      int
}

func NewIterBasedTrain(deps Deps, loader dataload.Loader, cfg TrainConfig) *IterBasedTrain {
	if cfg.ValBegin <= 0 {
		cfg.ValBegin = 1
	}
	if cfg.ValInterval <= 0 {
		cfg.ValInterval = 1000
	}
	return &IterBasedTrain{deps: deps, loader: loader, cfg: cfg}
}

func (l *IterBasedTrain) Epoch() int { return l.epoch }
func (l *IterBasedTrain) Iter() int  { return l.iter }

// MaxEpochs reports 1 so epoch-derived progress stays meaningful in
// logs and schedules.
func (l *IterBasedTrain) MaxEpochs() int { return 1 }
func (l *IterBasedTrain) MaxIters() int  { return l.cfg.MaxIters }

func (l *IterBasedTrain) SetProgress(epoch, iter int) { l.epoch, l.iter = epoch, iter }
func (l *IterBasedTrain) SetValidator(v Loop)         { l.validator = v }

func (l *IterBasedTrain) Run(ctx context.Context) error {
	hooks, view := l.deps.Hooks, l.deps.View
	if err := hooks.BeforeTrain(ctx, view); err != nil {
		return err
	}
	if err := hooks.BeforeTrainEpoch(ctx, view); err != nil {
		return err
	}
	l.resetLoader()
	for l.iter < l.cfg.MaxIters {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, ok := l.loader.Next()
		if !ok {
			if err := l.loader.Err(); err != nil {
				return errors.Wrap(err, "train loader")
			}
			l.epoch++
			l.resetLoader()
			continue
		}
		idx := l.iter
		if err := hooks.BeforeTrainIter(ctx, view, idx, batch); err != nil {
			return err
		}
		outputs, err := l.deps.Model.TrainStep(batch, l.deps.Optim)
		if err != nil {
			return errors.Wrapf(err, "train step failed at iteration %d", l.iter)
		}
		l.iter++
		if err := hooks.AfterTrainIter(ctx, view, idx, batch, outputs); err != nil {
			return err
		}
		if l.shouldValidate() {
			if err := l.validator.Run(ctx); err != nil {
				return err
			}
		}
	}
	if err := hooks.AfterTrainEpoch(ctx, view); err != nil {
		return err
	}
	return hooks.AfterTrain(ctx, view)
}

// resetLoader reseeds an epoch-aware sampler before restarting the
// pass, keeping shuffles distinct across loader cycles.
func (l *IterBasedTrain) resetLoader() {
	if s, ok := l.loader.Sampler().(dataload.EpochSeeder); ok {
		s.SetEpoch(l.epoch)
	}
	l.loader.Reset()
}

func (l *IterBasedTrain) shouldValidate() bool {
	if l.validator == nil || l.iter < l.cfg.ValBegin {
		return false
	}
	interval := l.cfg.intervalAt(l.iter)
	if interval <= 0 {
		return false
	}
	return l.iter%interval == 0 || l.iter == l.cfg.MaxIters
}
