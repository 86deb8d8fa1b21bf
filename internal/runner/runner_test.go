package runner_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/trainergo/internal/checkpoint"
	"github.com/vk/trainergo/internal/config"
	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/msghub"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/runner"
	"github.com/vk/trainergo/internal/strategy"
	"github.com/vk/trainergo/internal/testutil"
	"github.com/vk/trainergo/internal/visual"
)

func newSet(t *testing.T) *registry.Set {
	t.Helper()
	t.Cleanup(msghub.ResetForTest)
	t.Cleanup(visual.ResetForTest)
	set := testutil.NewSet()
	strategy.Register(set)
	return set
}

func loaderSpec(n, batchSize int) map[string]any {
	return map[string]any{
		"dataset":    dataload.NewSliceDataset(testutil.LineSamples(n, 3), map[string]any{"name": "line"}),
		"batch_size": batchSize,
	}
}

func trainOpts(t *testing.T, set *registry.Set, maxEpochs int) runner.Options {
	t.Helper()
	return runner.Options{
		Set:             set,
		WorkDir:         t.TempDir(),
		ExperimentName:  t.Name(),
		Model:           map[string]any{"type": "ToyModel", "init_w": 2.0},
		TrainDataloader: loaderSpec(4, 1),
		TrainCfg:        map[string]any{"max_epochs": maxEpochs},
		OptimWrapper: map[string]any{
			"optimizer": map[string]any{"type": "SGD", "lr": 0.1},
		},
	}
}

func TestTriadValidation(t *testing.T) {
	ctx := context.Background()

	_, err := runner.New(ctx, runner.Options{
		Set:             newSet(t),
		TrainDataloader: loaderSpec(4, 1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train mode is partially configured")

	_, err = runner.New(ctx, runner.Options{
		Set:           newSet(t),
		ValDataloader: loaderSpec(4, 1),
		ValCfg:        map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "val mode is partially configured")

	_, err = runner.New(ctx, runner.Options{
		Set:            newSet(t),
		ParamScheduler: map[string]any{"type": "ConstantLR"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param_scheduler requires an optim_wrapper")
}

func TestInlineEvaluatorForbidden(t *testing.T) {
	opts := trainOpts(t, newSet(t), 1)
	opts.ValDataloader = loaderSpec(4, 2)
	opts.ValCfg = map[string]any{"evaluator": map[string]any{"type": "MAEMetric"}}
	opts.ValEvaluator = map[string]any{"type": "MAEMetric"}

	_, err := runner.New(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inline evaluator")
}

func TestTrainLearningRateSchedule(t *testing.T) {
	ctx := context.Background()
	opts := trainOpts(t, newSet(t), 3)
	opts.ParamScheduler = []any{
		map[string]any{"type": "ConstantLR", "factor": 0.5, "begin": 0},
		map[string]any{"type": "ConstantLR", "factor": 0.5, "begin": 1},
	}

	r, err := runner.New(ctx, opts)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Train(ctx))

	buf := r.Hub().Scalar("train/lr")
	require.NotNil(t, buf)
	want := []float64{
		0.05, 0.05, 0.05, 0.05,
		0.025, 0.025, 0.025, 0.025,
		0.1, 0.1, 0.1, 0.1,
	}
	got := buf.Values()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "iteration %d", i)
	}
	assert.Equal(t, 3, r.Epoch())
	assert.Equal(t, 12, r.Iter())
}

func TestTrainWithValidation(t *testing.T) {
	ctx := context.Background()
	opts := trainOpts(t, newSet(t), 2)
	opts.ValDataloader = loaderSpec(4, 2)
	opts.ValCfg = map[string]any{}
	opts.ValEvaluator = map[string]any{"type": "MAEMetric"}

	r, err := runner.New(ctx, opts)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Train(ctx))

	// LoggerHook forwarded the validation metrics into the hub's
	// visualizer path; the metric history exists once per epoch.
	assert.Equal(t, 2, r.Epoch())
}

func TestCheckpointMeta(t *testing.T) {
	ctx := context.Background()
	opts := trainOpts(t, newSet(t), 1)

	r, err := runner.New(ctx, opts)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Train(ctx))

	ckpt, err := checkpoint.Load(filepath.Join(opts.WorkDir, checkpoint.FilenameEpoch(1)))
	require.NoError(t, err)

	meta, ok := ckpt[checkpoint.KeyMeta].(map[string]any)
	require.True(t, ok, "checkpoint misses meta")
	epoch, _, err := registry.IntArg(meta, "epoch")
	require.NoError(t, err)
	assert.Equal(t, 1, epoch)
	iter, _, err := registry.IntArg(meta, "iter")
	require.NoError(t, err)
	assert.Equal(t, 4, iter)
	assert.Equal(t, opts.ExperimentName, meta["experiment_name"])
	assert.Equal(t, r.RunID(), meta["run_id"])
	assert.Contains(t, ckpt, checkpoint.KeyMessageHub)
	assert.Contains(t, ckpt, checkpoint.KeyState)
	assert.Contains(t, ckpt, checkpoint.KeyOptimizer)
}

func TestResumeRestoresCounters(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()

	opts := trainOpts(t, newSet(t), 2)
	opts.WorkDir = workDir
	opts.ExperimentName = t.Name() + "_first"
	r1, err := runner.New(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, r1.Train(ctx))
	require.NoError(t, r1.Close())
	assert.Equal(t, 2, r1.Epoch())
	assert.Equal(t, 8, r1.Iter())

	opts2 := trainOpts(t, newSet(t), 3)
	opts2.WorkDir = workDir
	opts2.ExperimentName = t.Name() + "_second"
	opts2.Resume = true
	r2, err := runner.New(ctx, opts2)
	require.NoError(t, err)
	defer r2.Close()
	require.NoError(t, r2.Train(ctx))

	// Counters continued from epoch 2, iter 8; only the third epoch ran.
	assert.Equal(t, 3, r2.Epoch())
	assert.Equal(t, 12, r2.Iter())
	// Hub history was restored before the third epoch appended to it.
	buf := r2.Hub().Scalar("train/loss")
	require.NotNil(t, buf)
	assert.Equal(t, 12, buf.Len())
}

func TestResumeNothingFoundStartsFresh(t *testing.T) {
	ctx := context.Background()
	opts := trainOpts(t, newSet(t), 1)
	opts.Resume = true

	r, err := runner.New(ctx, opts)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Train(ctx))
	assert.Equal(t, 1, r.Epoch())
}

func TestResumeWorldSizeMismatch(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()

	opts := trainOpts(t, newSet(t), 1)
	opts.WorkDir = workDir
	opts.ExperimentName = t.Name() + "_first"
	r1, err := runner.New(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, r1.Train(ctx))
	require.NoError(t, r1.Close())

	// Rewrite the checkpoint as if it came from a two-rank run.
	path := filepath.Join(workDir, checkpoint.FilenameEpoch(1))
	ckpt, err := checkpoint.Load(path)
	require.NoError(t, err)
	meta := ckpt[checkpoint.KeyMeta].(map[string]any)
	meta["world_size"] = 2
	require.NoError(t, checkpoint.Save(path, ckpt))

	// With auto_scale_lr enabled the stale scaled rate is fatal.
	opts2 := trainOpts(t, newSet(t), 2)
	opts2.WorkDir = workDir
	opts2.ExperimentName = t.Name() + "_second"
	opts2.Resume = true
	opts2.AutoScaleLR = runner.AutoScaleLR{Enable: true, BaseBatchSize: 1}
	r2, err := runner.New(ctx, opts2)
	require.NoError(t, err)
	err = r2.Train(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world size")
	require.NoError(t, r2.Close())

	// Without it the mismatch is only a warning.
	opts3 := trainOpts(t, newSet(t), 2)
	opts3.WorkDir = workDir
	opts3.ExperimentName = t.Name() + "_third"
	opts3.Resume = true
	r3, err := runner.New(ctx, opts3)
	require.NoError(t, err)
	defer r3.Close()
	require.NoError(t, r3.Train(ctx))
	assert.Equal(t, 2, r3.Epoch())
}

func TestAutoScaleLR(t *testing.T) {
	ctx := context.Background()
	opts := trainOpts(t, newSet(t), 1)
	opts.TrainDataloader = loaderSpec(4, 4)
	opts.AutoScaleLR = runner.AutoScaleLR{Enable: true, BaseBatchSize: 2}

	r, err := runner.New(ctx, opts)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Train(ctx))

	ow, ok := r.OptimWrapper().(*optim.OptimWrapper)
	require.True(t, ok)
	assert.InDelta(t, 0.2, ow.LR(), 1e-12)
}

func TestValStandalone(t *testing.T) {
	ctx := context.Background()
	opts := runner.Options{
		Set:            newSet(t),
		WorkDir:        t.TempDir(),
		ExperimentName: t.Name(),
		Model:          testutil.NewToyModel(2),
		ValDataloader:  loaderSpec(4, 2),
		ValCfg:         map[string]any{},
		ValEvaluator:   map[string]any{"type": "MAEMetric"},
	}

	r, err := runner.New(ctx, opts)
	require.NoError(t, err)
	defer r.Close()

	metrics, err := r.Val(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, metrics["toy/mae"], 1e-12)
}

func TestTestStandaloneWithLoadFrom(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()

	opts := trainOpts(t, newSet(t), 2)
	opts.WorkDir = workDir
	opts.ExperimentName = t.Name() + "_train"
	r1, err := runner.New(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, r1.Train(ctx))
	trained := r1.Strategy().Model().(*testutil.ToyModel).W
	require.NoError(t, r1.Close())

	opts2 := runner.Options{
		Set:            newSet(t),
		WorkDir:        t.TempDir(),
		ExperimentName: t.Name() + "_test",
		Model:          map[string]any{"type": "ToyModel", "init_w": 2.0},
		TestDataloader: loaderSpec(4, 2),
		TestCfg:        map[string]any{},
		TestEvaluator:  map[string]any{"type": "MAEMetric"},
		LoadFrom:       filepath.Join(workDir, checkpoint.FilenameEpoch(2)),
	}
	r2, err := runner.New(ctx, opts2)
	require.NoError(t, err)
	defer r2.Close()

	_, err = r2.Test(ctx)
	require.NoError(t, err)
	assert.InDelta(t, trained, r2.Strategy().Model().(*testutil.ToyModel).W, 1e-12)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.New(map[string]any{
		"work_dir":         "/tmp/exp",
		"experiment_name":  "cfg_exp",
		"model":            map[string]any{"type": "ToyModel", "init_w": 1.0},
		"train_dataloader": map[string]any{"batch_size": 2},
		"train_cfg":        map[string]any{"max_epochs": 4},
		"optim_wrapper": map[string]any{
			"optimizer": map[string]any{"type": "SGD", "lr": 0.01},
		},
		"launcher":      "pytorch",
		"resume":        true,
		"load_from":     "weights.ckpt",
		"randomness":    map[string]any{"seed": 7, "diff_rank_seed": true},
		"auto_scale_lr": map[string]any{"base_batch_size": 16, "enable": true},
		"default_hooks": map[string]any{"checkpoint": map[string]any{"type": "CheckpointHook", "interval": 2}},
		"custom_hooks":  []any{map[string]any{"type": "IterTimerHook"}},
		"visualizer": map[string]any{
			"vis_backends": []any{map[string]any{"type": "LocalBackend"}},
		},
		"env_cfg": map[string]any{"mp_start_method": "fork"},
	})

	opts, err := runner.OptionsFromConfig(newSet(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/exp", opts.WorkDir)
	assert.Equal(t, "cfg_exp", opts.ExperimentName)
	assert.Equal(t, "pytorch", opts.Launcher)
	assert.True(t, opts.Resume)
	assert.Equal(t, "weights.ckpt", opts.LoadFrom)
	assert.Equal(t, int64(7), opts.Randomness.Seed)
	assert.True(t, opts.Randomness.DiffRankSeed)
	assert.Equal(t, 16, opts.AutoScaleLR.BaseBatchSize)
	assert.True(t, opts.AutoScaleLR.Enable)
	assert.Equal(t, map[string]any{"max_epochs": 4}, opts.TrainCfg)
	assert.Len(t, opts.CustomHooks, 1)
	assert.Len(t, opts.VisBackends, 1)
	assert.Equal(t, "fork", opts.MPStartMethod)
	assert.NotEmpty(t, opts.ConfigText)
}

func TestFromConfigRejectsUnknownKeys(t *testing.T) {
	cfg := config.New(map[string]any{
		"work_dir":  "/tmp/exp",
		"wrok_dirr": "typo",
	})
	_, err := runner.OptionsFromConfig(newSet(t), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrBadSpec)
	assert.Contains(t, err.Error(), "wrok_dirr")
}
