package strategy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/testutil"
)

func newSet(t *testing.T) *registry.Set {
	t.Helper()
	set := testutil.NewSet()
	Register(set)
	return set
}

func prepareOpts() PrepareOptions {
	return PrepareOptions{
		ModelSpec:        map[string]any{"type": "ToyModel", "init_w": 0.0},
		OptimWrapperSpec: map[string]any{"optimizer": map[string]any{"type": "SGD", "lr": 0.1}},
		SchedulerSpec:    map[string]any{"type": "ConstantLR", "factor": 0.5},
		SchedulerCtx:     scheduler.BuildContext{MaxEpochs: 3},
	}
}

func TestSingleDeviceLifecycle(t *testing.T) {
	s := NewSingleDevice(newSet(t))
	ctx := context.Background()

	// Prepare before SetupEnv is rejected.
	require.Error(t, s.Prepare(ctx, prepareOpts()))

	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Seed: 42}))
	require.Error(t, s.SetupEnv(ctx, EnvOptions{}), "environment setup happens once")

	require.NoError(t, s.Prepare(ctx, prepareOpts()))
	require.Error(t, s.Prepare(ctx, prepareOpts()), "a prepared strategy cannot prepare again")

	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, 1, s.WorldSize())
	assert.Equal(t, int64(42), s.Seed())
	assert.NotEmpty(t, s.Timestamp())

	m, ok := s.Model().(*testutil.ToyModel)
	require.True(t, ok, "single device leaves the model unwrapped")
	assert.Equal(t, 0.0, m.W)

	ow, ok := s.OptimWrapper().(*optim.OptimWrapper)
	require.True(t, ok)
	// The constant scheduler already applied its factor.
	assert.InDelta(t, 0.05, ow.LR(), 1e-12)
	require.Len(t, s.Schedulers()[""], 1)
}

func TestPrepareValidations(t *testing.T) {
	ctx := context.Background()

	s := NewSingleDevice(newSet(t))
	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Seed: 1}))

	opts := prepareOpts()
	opts.OptimWrapperSpec = nil
	err := s.Prepare(ctx, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param_scheduler requires an optim_wrapper")

	opts = prepareOpts()
	opts.ModelSpec = nil
	require.ErrorIs(t, s.Prepare(ctx, opts), registry.ErrBadSpec)
}

func TestDiffRankSeed(t *testing.T) {
	s := NewSingleDevice(newSet(t))
	require.NoError(t, s.SetupEnv(context.Background(), EnvOptions{Seed: 100, DiffRankSeed: true}))
	// Rank 0 keeps the base seed.
	assert.Equal(t, int64(100), s.Seed())
}

func TestSingleDeviceCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	set := newSet(t)

	s := NewSingleDevice(set)
	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Seed: 7}))
	require.NoError(t, s.Prepare(ctx, prepareOpts()))

	m := s.Model().(*testutil.ToyModel)
	m.W = 1.25
	s.Schedulers()[""][0].Step()

	path := filepath.Join(t.TempDir(), "epoch_1.ckpt")
	written, err := s.SaveCheckpoint(ctx, path, map[string]any{
		"meta": map[string]any{"epoch": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, path, written)

	restored := NewSingleDevice(set)
	require.NoError(t, restored.SetupEnv(ctx, EnvOptions{Seed: 7}))
	require.NoError(t, restored.Prepare(ctx, prepareOpts()))

	ckpt, err := restored.LoadCheckpoint(ctx, path, LoadOptions{Optimizer: true, Schedulers: true})
	require.NoError(t, err)

	assert.Equal(t, 1.25, restored.Model().(*testutil.ToyModel).W)
	meta, ok := ckpt["meta"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, meta["epoch"])

	// Scheduler counters came back: its state matches the stepped one.
	want := s.Schedulers()[""][0].StateDict()
	got := restored.Schedulers()[""][0].StateDict()
	assert.Equal(t, want["last_step"], got["last_step"])
	assert.Equal(t, want["global_step"], got["global_step"])
}

func TestLoadWeightsOnly(t *testing.T) {
	ctx := context.Background()
	set := newSet(t)

	s := NewSingleDevice(set)
	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Seed: 7}))
	require.NoError(t, s.Prepare(ctx, prepareOpts()))
	s.Model().(*testutil.ToyModel).W = 2.0
	s.OptimWrapper().(*optim.OptimWrapper).SetLR(0.9)

	path := filepath.Join(t.TempDir(), "epoch_2.ckpt")
	_, err := s.SaveCheckpoint(ctx, path, nil)
	require.NoError(t, err)

	restored := NewSingleDevice(set)
	require.NoError(t, restored.SetupEnv(ctx, EnvOptions{Seed: 7}))
	require.NoError(t, restored.Prepare(ctx, prepareOpts()))
	lrBefore := restored.OptimWrapper().(*optim.OptimWrapper).LR()

	_, err = restored.LoadCheckpoint(ctx, path, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, restored.Model().(*testutil.ToyModel).W)
	assert.Equal(t, lrBefore, restored.OptimWrapper().(*optim.OptimWrapper).LR(),
		"optimizer state is untouched when only weights load")
}

func TestDDPSingleProcess(t *testing.T) {
	ctx := context.Background()
	s := NewDDP(newSet(t))
	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Launcher: "none", Seed: 3}))
	require.NoError(t, s.Prepare(ctx, prepareOpts()))

	require.True(t, model.IsWrapper(s.Model()))
	_, ok := model.Unwrap(s.Model()).(*testutil.ToyModel)
	assert.True(t, ok)
}

func TestZeroRedundancyShardedOptimizerState(t *testing.T) {
	ctx := context.Background()
	set := newSet(t)

	s, err := NewZeroRedundancy(set, 2)
	require.NoError(t, err)
	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Launcher: "none", Seed: 3}))
	require.NoError(t, s.Prepare(ctx, prepareOpts()))
	s.OptimWrapper().(*optim.OptimWrapper).SetLR(0.77)

	path := filepath.Join(t.TempDir(), "epoch_1.ckpt")
	written, err := s.SaveCheckpoint(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	restored, err := NewZeroRedundancy(set, 2)
	require.NoError(t, err)
	require.NoError(t, restored.SetupEnv(ctx, EnvOptions{Launcher: "none", Seed: 3}))
	require.NoError(t, restored.Prepare(ctx, prepareOpts()))

	_, err = restored.LoadCheckpoint(ctx, path, LoadOptions{Optimizer: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.77, restored.OptimWrapper().(*optim.OptimWrapper).LR(), 1e-12)

	// A different stage refuses the shard.
	other, err := NewZeroRedundancy(set, 3)
	require.NoError(t, err)
	require.NoError(t, other.SetupEnv(ctx, EnvOptions{Launcher: "none", Seed: 3}))
	require.NoError(t, other.Prepare(ctx, prepareOpts()))
	_, err = other.LoadCheckpoint(ctx, path, LoadOptions{Optimizer: true})
	require.Error(t, err)
}

func TestZeroRedundancyStageValidation(t *testing.T) {
	_, err := NewZeroRedundancy(newSet(t), 0)
	require.Error(t, err)
	_, err = NewZeroRedundancy(newSet(t), 4)
	require.Error(t, err)
}

func TestShardedFullStateSave(t *testing.T) {
	ctx := context.Background()
	set := newSet(t)

	s := NewSharded(set, true)
	require.NoError(t, s.SetupEnv(ctx, EnvOptions{Launcher: "none", Seed: 3}))
	require.NoError(t, s.Prepare(ctx, prepareOpts()))

	sw, ok := s.Model().(*model.ShardedWrapper)
	require.True(t, ok)
	assert.True(t, sw.FullStateOnSave)

	path := filepath.Join(t.TempDir(), "iter_5.ckpt")
	written, err := s.SaveCheckpoint(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, written)
}

func TestBuildFromSpec(t *testing.T) {
	set := newSet(t)

	s, err := Build(set, nil)
	require.NoError(t, err)
	_, ok := s.(*SingleDevice)
	assert.True(t, ok)

	s, err = Build(set, map[string]any{"type": "ZeroRedundancy", "stage": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, s.(*ZeroRedundancy).Stage())

	pre := NewDDP(set)
	s, err = Build(set, pre)
	require.NoError(t, err)
	assert.Same(t, pre, s)

	_, err = Build(set, map[string]any{"type": "TPUPod"})
	require.ErrorIs(t, err, registry.ErrNotRegistered)
}
