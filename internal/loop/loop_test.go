package loop_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/evaluator"
	"github.com/vk/trainergo/internal/hook"
	"github.com/vk/trainergo/internal/loop"
	"github.com/vk/trainergo/internal/msghub"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/testutil"
	"github.com/vk/trainergo/internal/visual"
)

// stubView satisfies hook.Runner with just enough surface for the
// hooks registered in these tests. Counters delegate to the loop under
// test.
type stubView struct {
	train loop.TrainLoop
}

func (v *stubView) Hub() *msghub.Hub               { return nil }
func (v *stubView) Visualizer() *visual.Visualizer { return nil }

func (v *stubView) Epoch() int {
	if v.train == nil {
		return 0
	}
	return v.train.Epoch()
}

func (v *stubView) Iter() int {
	if v.train == nil {
		return 0
	}
	return v.train.Iter()
}

func (v *stubView) MaxEpochs() int {
	if v.train == nil {
		return 0
	}
	return v.train.MaxEpochs()
}

func (v *stubView) MaxIters() int {
	if v.train == nil {
		return 0
	}
	return v.train.MaxIters()
}

func (v *stubView) TrainLoader() dataload.Loader                  { return nil }
func (v *stubView) OptimWrapper() optim.Wrapper                   { return nil }
func (v *stubView) Schedulers() map[string][]scheduler.Scheduler  { return nil }
func (v *stubView) WorkDir() string                               { return "" }
func (v *stubView) Rank() int                                     { return 0 }
func (v *stubView) SaveCheckpoint(context.Context) (string, error) { return "", nil }

// traceHook records stage boundaries with the counters visible to it.
type traceHook struct {
	hook.Base
	events []string
}

func (h *traceHook) Name() string { return "trace" }

func (h *traceHook) BeforeTrainEpoch(_ context.Context, r hook.Runner) error {
	h.events = append(h.events, fmt.Sprintf("before_epoch:%d", r.Epoch()))
	return nil
}

func (h *traceHook) AfterTrainEpoch(_ context.Context, r hook.Runner) error {
	h.events = append(h.events, fmt.Sprintf("after_epoch:%d", r.Epoch()))
	return nil
}

func (h *traceHook) AfterTrainIter(_ context.Context, r hook.Runner, _ int, _ any, _ map[string]float64) error {
	h.events = append(h.events, fmt.Sprintf("after_iter:%d", r.Iter()))
	return nil
}

// countLoop stands in for a validation loop.
type countLoop struct{ runs int }

func (c *countLoop) Run(context.Context) error {
	c.runs++
	return nil
}

func lineLoader(t *testing.T, n, batchSize int) dataload.Loader {
	t.Helper()
	set := dataload.NewSliceDataset(testutil.LineSamples(n, 3), nil)
	loader, err := dataload.NewSliceLoader(set, dataload.NewSequentialSampler(n), batchSize, 1)
	require.NoError(t, err)
	return loader
}

func toyDeps(t *testing.T) (loop.Deps, *testutil.ToyModel, *traceHook, *stubView) {
	t.Helper()
	m := testutil.NewToyModel(2)
	sgd := optim.NewSGD(0.01, 0)
	sgd.Bind(m.Parameters())
	ow := optim.NewOptimWrapper(sgd, 1)
	trace := &traceHook{}
	hooks := &hook.List{}
	hooks.Register(trace)
	view := &stubView{}
	return loop.Deps{Hooks: hooks, View: view, Model: m, Optim: ow}, m, trace, view
}

func TestEpochBasedCounters(t *testing.T) {
	deps, m, trace, view := toyDeps(t)
	l := loop.NewEpochBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{MaxEpochs: 2})
	view.train = l

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, 2, l.Epoch())
	assert.Equal(t, 4, l.Iter())
	assert.Equal(t, 4, l.MaxIters())
	assert.Equal(t, 4, m.Steps())
	// Counters advance before the matching after hooks fire.
	assert.Equal(t, []string{
		"before_epoch:0", "after_iter:1", "after_iter:2", "after_epoch:1",
		"before_epoch:1", "after_iter:3", "after_iter:4", "after_epoch:2",
	}, trace.events)
}

func TestEpochBasedValidationSchedule(t *testing.T) {
	deps, _, _, view := toyDeps(t)
	l := loop.NewEpochBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{
		MaxEpochs:   5,
		ValInterval: 2,
	})
	view.train = l
	val := &countLoop{}
	l.SetValidator(val)

	require.NoError(t, l.Run(context.Background()))

	// Epochs 2 and 4 by interval, 5 as the final epoch.
	assert.Equal(t, 3, val.runs)
}

func TestEpochBasedDynamicIntervals(t *testing.T) {
	deps, _, _, view := toyDeps(t)
	l := loop.NewEpochBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{
		MaxEpochs:        6,
		ValInterval:      3,
		DynamicIntervals: []loop.Milestone{{Begin: 4, Interval: 1}},
	})
	view.train = l
	val := &countLoop{}
	l.SetValidator(val)

	require.NoError(t, l.Run(context.Background()))

	// Epoch 3 by the initial interval, then every epoch from 4 on.
	assert.Equal(t, 4, val.runs)
}

func TestEpochBasedResumedProgress(t *testing.T) {
	deps, m, _, view := toyDeps(t)
	l := loop.NewEpochBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{MaxEpochs: 3})
	view.train = l
	l.SetProgress(2, 4)

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, 3, l.Epoch())
	assert.Equal(t, 6, l.Iter())
	assert.Equal(t, 2, m.Steps())
}

func TestIterBasedCyclesLoader(t *testing.T) {
	deps, m, _, view := toyDeps(t)
	l := loop.NewIterBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{MaxIters: 5})
	view.train = l

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, 5, l.Iter())
	assert.Equal(t, 5, m.Steps())
	// The two-batch loader wrapped twice to reach five iterations.
	assert.Equal(t, 2, l.Epoch())
	assert.Equal(t, 1, l.MaxEpochs())
}

func TestIterBasedValidationSchedule(t *testing.T) {
	deps, _, _, view := toyDeps(t)
	l := loop.NewIterBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{
		MaxIters:    5,
		ValBegin:    2,
		ValInterval: 2,
	})
	view.train = l
	val := &countLoop{}
	l.SetValidator(val)

	require.NoError(t, l.Run(context.Background()))

	// Iterations 2 and 4 by interval, 5 as the final iteration.
	assert.Equal(t, 3, val.runs)
}

func TestIterBasedEpochHooksFireOnce(t *testing.T) {
	deps, _, trace, view := toyDeps(t)
	l := loop.NewIterBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{MaxIters: 5})
	view.train = l

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, "before_epoch:0", trace.events[0])
	assert.Equal(t, "after_epoch:2", trace.events[len(trace.events)-1])
	assert.Len(t, trace.events, 7)
}

type failingModel struct{ testutil.ToyModel }

func (m *failingModel) TrainStep(any, optim.Wrapper) (map[string]float64, error) {
	return nil, fmt.Errorf("nan loss")
}

func TestTrainStepErrorAnnotated(t *testing.T) {
	deps, _, _, view := toyDeps(t)
	deps.Model = &failingModel{}
	l := loop.NewEpochBasedTrain(deps, lineLoader(t, 4, 2), loop.TrainConfig{MaxEpochs: 1})
	view.train = l

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train step failed at iteration 0")
	assert.Contains(t, err.Error(), "nan loss")
}

func TestValLoopComputesMetrics(t *testing.T) {
	deps, _, _, _ := toyDeps(t)
	ev := evaluator.New(&testutil.MAEMetric{})
	l := loop.NewVal(deps, lineLoader(t, 4, 2), ev, false)

	require.NoError(t, l.Run(context.Background()))

	// W=2 against y=3x over x=1..4: mean |x| error is 2.5.
	assert.InDelta(t, 2.5, l.Metrics()["toy/mae"], 1e-12)
}

func TestTestLoopComputesMetrics(t *testing.T) {
	deps, _, _, _ := toyDeps(t)
	ev := evaluator.New(&testutil.MAEMetric{})
	l := loop.NewTest(deps, lineLoader(t, 4, 2), ev, true)

	require.NoError(t, l.Run(context.Background()))

	assert.InDelta(t, 2.5, l.Metrics()["toy/mae"], 1e-12)
}

func TestBuildTrainVariants(t *testing.T) {
	deps, _, _, _ := toyDeps(t)
	loader := lineLoader(t, 4, 2)

	l, err := loop.BuildTrain(deps, loader, map[string]any{"max_epochs": 3})
	require.NoError(t, err)
	assert.IsType(t, &loop.EpochBasedTrain{}, l)
	assert.Equal(t, 3, l.MaxEpochs())

	l, err = loop.BuildTrain(deps, loader, map[string]any{
		"type": loop.TypeIterBasedTrain, "max_iters": 100,
	})
	require.NoError(t, err)
	assert.IsType(t, &loop.IterBasedTrain{}, l)
	assert.Equal(t, 100, l.MaxIters())

	l, err = loop.BuildTrain(deps, loader, map[string]any{
		"by_epoch": false, "max_iters": 10, "val_begin": 5, "val_interval": 2,
	})
	require.NoError(t, err)
	assert.IsType(t, &loop.IterBasedTrain{}, l)
}

func TestBuildTrainRejectsMissingExtent(t *testing.T) {
	deps, _, _, _ := toyDeps(t)
	loader := lineLoader(t, 4, 2)

	_, err := loop.BuildTrain(deps, loader, map[string]any{})
	assert.ErrorIs(t, err, registry.ErrBadSpec)

	_, err = loop.BuildTrain(deps, loader, map[string]any{"by_epoch": false})
	assert.ErrorIs(t, err, registry.ErrBadSpec)

	_, err = loop.BuildTrain(deps, loader, map[string]any{"type": "CustomLoop"})
	assert.ErrorIs(t, err, registry.ErrBadSpec)
}

func TestBuildTrainDynamicIntervals(t *testing.T) {
	deps, _, _, _ := toyDeps(t)
	loader := lineLoader(t, 4, 2)

	_, err := loop.BuildTrain(deps, loader, map[string]any{
		"max_epochs":        10,
		"dynamic_intervals": []any{[]any{4, 2}, []any{8, 1}},
	})
	require.NoError(t, err)

	_, err = loop.BuildTrain(deps, loader, map[string]any{
		"max_epochs":        10,
		"dynamic_intervals": []any{[]any{8, 1}, []any{4, 2}},
	})
	assert.ErrorIs(t, err, registry.ErrBadSpec)
}

func TestBuildEvalLoops(t *testing.T) {
	deps, _, _, _ := toyDeps(t)
	loader := lineLoader(t, 4, 2)
	ev := evaluator.New(&testutil.MAEMetric{})

	_, err := loop.BuildVal(deps, loader, ev, map[string]any{})
	require.NoError(t, err)

	_, err = loop.BuildVal(deps, loader, ev, map[string]any{"type": loop.TypeVal, "fp16": true})
	require.NoError(t, err)

	_, err = loop.BuildVal(deps, loader, ev, map[string]any{"type": loop.TypeTest})
	assert.ErrorIs(t, err, registry.ErrBadSpec)

	_, err = loop.BuildTest(deps, loader, ev, map[string]any{"type": loop.TypeTest})
	require.NoError(t, err)
}
