package loop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/evaluator"
)

// Val runs one evaluation pass over a loader and aggregates metrics.
type Val struct {
	deps      Deps
	loader    dataload.Loader
	evaluator *evaluator.Evaluator
	// fp16 is recorded for parity with configs that request half
	// precision evaluation; arithmetic here is always float64.
	fp16 bool

	metrics map[string]float64
}

func NewVal(deps Deps, loader dataload.Loader, ev *evaluator.Evaluator, fp16 bool) *Val {
	return &Val{deps: deps, loader: loader, evaluator: ev, fp16: fp16}
}

// Metrics returns the scores of the most recent pass.
func (l *Val) Metrics() map[string]float64 { return l.metrics }

func (l *Val) Run(ctx context.Context) error {
	hooks, view := l.deps.Hooks, l.deps.View
	if err := hooks.BeforeValEpoch(ctx, view); err != nil {
		return err
	}
	l.loader.Reset()
	for idx := 0; ; idx++ {
		batch, ok := l.loader.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hooks.BeforeValIter(ctx, view, idx, batch); err != nil {
			return err
		}
		preds, err := l.deps.Model.ValStep(batch)
		if err != nil {
			return errors.Wrapf(err, "val step failed at batch %d", idx)
		}
		if err := l.evaluator.Process(batch, preds); err != nil {
			return err
		}
		if err := hooks.AfterValIter(ctx, view, idx, batch, preds); err != nil {
			return err
		}
	}
	if err := l.loader.Err(); err != nil {
		return errors.Wrap(err, "val loader")
	}
	metrics, err := l.evaluator.Evaluate(l.loader.Dataset().Len())
	if err != nil {
		return err
	}
	l.metrics = metrics
	return hooks.AfterValEpoch(ctx, view, metrics)
}

// Test runs one test pass. Identical shape to Val but drives the
// model's test step and the test hook stages.
type Test struct {
	deps      Deps
	loader    dataload.Loader
	evaluator *evaluator.Evaluator
	fp16      bool

	metrics map[string]float64
}

func NewTest(deps Deps, loader dataload.Loader, ev *evaluator.Evaluator, fp16 bool) *Test {
	return &Test{deps: deps, loader: loader, evaluator: ev, fp16: fp16}
}

func (l *Test) Metrics() map[string]float64 { return l.metrics }

func (l *Test) Run(ctx context.Context) error {
	hooks, view := l.deps.Hooks, l.deps.View
	if err := hooks.BeforeTestEpoch(ctx, view); err != nil {
		return err
	}
	l.loader.Reset()
	for idx := 0; ; idx++ {
		batch, ok := l.loader.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hooks.BeforeTestIter(ctx, view, idx, batch); err != nil {
			return err
		}
		preds, err := l.deps.Model.TestStep(batch)
		if err != nil {
			return errors.Wrapf(err, "test step failed at batch %d", idx)
		}
		if err := l.evaluator.Process(batch, preds); err != nil {
			return err
		}
		if err := hooks.AfterTestIter(ctx, view, idx, batch, preds); err != nil {
			return err
		}
	}
	if err := l.loader.Err(); err != nil {
		return errors.Wrap(err, "test loader")
	}
	metrics, err := l.evaluator.Evaluate(l.loader.Dataset().Len())
	if err != nil {
		return err
	}
	l.metrics = metrics
	return hooks.AfterTestEpoch(ctx, view, metrics)
}
