// Package runner coordinates a full run: it validates the
// configuration surface, sets up the strategy and its process group,
// wires the message hub, visualizer and hooks, and drives the
// train/val/test loops with checkpoint load and resume.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vk/trainergo/internal/checkpoint"
	"github.com/vk/trainergo/internal/ctxlog"
	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/evaluator"
	"github.com/vk/trainergo/internal/hook"
	"github.com/vk/trainergo/internal/loop"
	"github.com/vk/trainergo/internal/msghub"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/strategy"
	"github.com/vk/trainergo/internal/visual"
)

// Randomness bundles the seeding options of a run.
type Randomness struct {
	Seed          int64
	DiffRankSeed  bool
	Deterministic bool
}

// AutoScaleLR scales the configured learning rate by the ratio of the
// effective batch size to BaseBatchSize.
type AutoScaleLR struct {
	BaseBatchSize int
	Enable        bool
}

// Options is the construction surface of a Runner. Dataloader,
// evaluator, optimizer and strategy fields accept either a spec
// mapping or a pre-built object.
type Options struct {
	Set *registry.Set

	WorkDir        string
	ExperimentName string

	Model any

	TrainDataloader any
	ValDataloader   any
	TestDataloader  any

	TrainCfg map[string]any
	ValCfg   map[string]any
	TestCfg  map[string]any

	ValEvaluator  any
	TestEvaluator any

	OptimWrapper   any
	ParamScheduler any

	Strategy    any
	Launcher    string
	Randomness  Randomness
	AutoScaleLR AutoScaleLR

	DefaultHooks map[string]any
	CustomHooks  []any

	VisBackends []any

	LoadFrom string
	Resume   bool

	// Compile is accepted for configuration compatibility; models run
	// as built.
	Compile any
	// MPStartMethod is recorded by the strategy environment setup.
	MPStartMethod string

	// ConfigText is the rendered configuration, archived in the work
	// dir and in checkpoint metadata.
	ConfigText string
}

// Runner owns one experiment. It implements the hook.Runner view that
// hooks receive at every stage.
type Runner struct {
	opts Options
	set  *registry.Set

	runID          string
	experimentName string
	workDir        string
	logDir         string

	strat strategy.Strategy
	hub   *msghub.Hub
	vis   *visual.Visualizer
	hooks *hook.List

	prepared bool

	trainLoader dataload.Loader
	valLoader   dataload.Loader
	testLoader  dataload.Loader

	trainLoop loop.TrainLoop
	valLoop   *loop.Val
	testLoop  *loop.Test

	valEvaluator  *evaluator.Evaluator
	testEvaluator *evaluator.Evaluator
}

// New validates opts, sets up the strategy environment and builds the
// runner's ambient collaborators. Model and optimizer construction is
// deferred to the first Train/Val/Test call.
func New(ctx context.Context, opts Options) (*Runner, error) {
	if opts.Set == nil {
		return nil, fmt.Errorf("runner requires a registry set")
	}
	if err := validateTriads(opts); err != nil {
		return nil, err
	}

	r := &Runner{
		opts:  opts,
		set:   opts.Set,
		runID: uuid.NewString(),
	}

	strat, err := strategy.Build(opts.Set, opts.Strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy: %w", err)
	}
	if err := strat.SetupEnv(ctx, strategy.EnvOptions{
		Launcher:      opts.Launcher,
		Seed:          opts.Randomness.Seed,
		DiffRankSeed:  opts.Randomness.DiffRankSeed,
		Deterministic: opts.Randomness.Deterministic,
		MPStartMethod: opts.MPStartMethod,
	}); err != nil {
		return nil, err
	}
	r.strat = strat

	r.experimentName = opts.ExperimentName
	if r.experimentName == "" {
		r.experimentName = "run_" + strat.Timestamp()
	}
	r.workDir = opts.WorkDir
	if r.workDir == "" {
		r.workDir = "work_dirs"
	}
	r.logDir = filepath.Join(r.workDir, strat.Timestamp())
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	log := ctxlog.FromContext(ctx)
	if opts.ConfigText != "" && strat.Rank() == 0 {
		path := filepath.Join(r.logDir, r.experimentName+".cfg")
		if err := os.WriteFile(path, []byte(opts.ConfigText), 0o644); err != nil {
			return nil, fmt.Errorf("failed to archive config: %w", err)
		}
		log.Debug("archived config", "path", path)
	}

	r.hub = msghub.Get(r.experimentName)
	r.hub.UpdateInfo("run_id", r.runID)

	vis, err := visual.Build(opts.Set, r.experimentName, r.logDir, opts.VisBackends)
	if err != nil {
		return nil, fmt.Errorf("failed to build visualizer: %w", err)
	}
	r.vis = vis

	hooks, err := buildHooks(opts.Set, opts.DefaultHooks, opts.CustomHooks)
	if err != nil {
		return nil, err
	}
	r.hooks = hooks

	if opts.Compile != nil {
		log.Warn("compile is configured but has no effect in this runtime")
	}
	log.Info("runner ready",
		"experiment", r.experimentName,
		"run_id", r.runID,
		"rank", strat.Rank(),
		"world_size", strat.WorldSize(),
		"seed", strat.Seed(),
		"work_dir", r.workDir,
	)
	log.Debug(hooks.Info())
	return r, nil
}

// validateTriads enforces the all-or-nothing rule for each mode: a
// mode's dataloader, loop config and third leg (optimizer for train,
// evaluator for val/test) must be specified together or not at all.
func validateTriads(opts Options) error {
	check := func(mode string, parts map[string]bool) error {
		var set, unset []string
		for name, present := range parts {
			if present {
				set = append(set, name)
			} else {
				unset = append(unset, name)
			}
		}
		if len(set) > 0 && len(unset) > 0 {
			return fmt.Errorf("%s mode is partially configured: %v set but %v missing; configure all or none",
				mode, set, unset)
		}
		return nil
	}
	if err := check("train", map[string]bool{
		"train_dataloader": opts.TrainDataloader != nil,
		"train_cfg":        opts.TrainCfg != nil,
		"optim_wrapper":    opts.OptimWrapper != nil,
	}); err != nil {
		return err
	}
	if err := check("val", map[string]bool{
		"val_dataloader": opts.ValDataloader != nil,
		"val_cfg":        opts.ValCfg != nil,
		"val_evaluator":  opts.ValEvaluator != nil,
	}); err != nil {
		return err
	}
	if err := check("test", map[string]bool{
		"test_dataloader": opts.TestDataloader != nil,
		"test_cfg":        opts.TestCfg != nil,
		"test_evaluator":  opts.TestEvaluator != nil,
	}); err != nil {
		return err
	}
	if opts.ParamScheduler != nil && opts.OptimWrapper == nil {
		return fmt.Errorf("param_scheduler requires an optim_wrapper")
	}
	// The evaluator belongs to the triad, not to the loop config.
	for mode, cfg := range map[string]map[string]any{"val_cfg": opts.ValCfg, "test_cfg": opts.TestCfg} {
		if _, ok := cfg["evaluator"]; ok {
			return fmt.Errorf("%s must not carry an inline evaluator; set the %s_evaluator option",
				mode, mode[:len(mode)-4])
		}
	}
	return nil
}

func buildHooks(set *registry.Set, defaults map[string]any, custom []any) (*hook.List, error) {
	list := &hook.List{}
	builtDefaults, err := hook.BuildDefaults(set, defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to build default_hooks: %w", err)
	}
	for _, b := range builtDefaults {
		list.RegisterWithPriority(b.Hook, b.Priority)
	}
	builtCustom, err := hook.BuildCustom(set, custom)
	if err != nil {
		return nil, fmt.Errorf("failed to build custom_hooks: %w", err)
	}
	for _, b := range builtCustom {
		list.RegisterWithPriority(b.Hook, b.Priority)
	}
	return list, nil
}

// Hub implements hook.Runner.
func (r *Runner) Hub() *msghub.Hub { return r.hub }

// Visualizer implements hook.Runner.
func (r *Runner) Visualizer() *visual.Visualizer { return r.vis }

// Epoch implements hook.Runner: completed training epochs.
func (r *Runner) Epoch() int {
	if r.trainLoop == nil {
		return 0
	}
	return r.trainLoop.Epoch()
}

// Iter implements hook.Runner: completed training iterations.
func (r *Runner) Iter() int {
	if r.trainLoop == nil {
		return 0
	}
	return r.trainLoop.Iter()
}

// MaxEpochs implements hook.Runner.
func (r *Runner) MaxEpochs() int {
	if r.trainLoop == nil {
		return 0
	}
	return r.trainLoop.MaxEpochs()
}

// MaxIters implements hook.Runner.
func (r *Runner) MaxIters() int {
	if r.trainLoop == nil {
		return 0
	}
	return r.trainLoop.MaxIters()
}

// TrainLoader implements hook.Runner. It is nil until Train has built
// the loader.
func (r *Runner) TrainLoader() dataload.Loader { return r.trainLoader }

// OptimWrapper implements hook.Runner.
func (r *Runner) OptimWrapper() optim.Wrapper { return r.strat.OptimWrapper() }

// Schedulers implements hook.Runner.
func (r *Runner) Schedulers() map[string][]scheduler.Scheduler { return r.strat.Schedulers() }

// WorkDir implements hook.Runner. Checkpoints land here.
func (r *Runner) WorkDir() string { return r.workDir }

// LogDir is the per-run directory holding the archived config and
// local visualizer output.
func (r *Runner) LogDir() string { return r.logDir }

// Rank implements hook.Runner.
func (r *Runner) Rank() int { return r.strat.Rank() }

// RunID is the unique identity of this runner instance.
func (r *Runner) RunID() string { return r.runID }

// ExperimentName keys the message hub and visualizer singletons.
func (r *Runner) ExperimentName() string { return r.experimentName }

// Strategy exposes the strategy for inspection.
func (r *Runner) Strategy() strategy.Strategy { return r.strat }

// Hooks exposes the ordered hook list.
func (r *Runner) Hooks() *hook.List { return r.hooks }

// Close releases the visualizer backends and the process group.
func (r *Runner) Close() error {
	if err := r.vis.Close(); err != nil {
		r.strat.Close()
		return err
	}
	return r.strat.Close()
}

// SaveCheckpoint implements hook.Runner: it assembles the meta and
// message-hub sections, lets hooks amend them, and hands the payload
// to the strategy. Non-zero ranks return an empty path.
func (r *Runner) SaveCheckpoint(ctx context.Context) (string, error) {
	if r.trainLoop == nil {
		return "", fmt.Errorf("no training in progress to checkpoint")
	}
	var name string
	if _, byEpoch := r.trainLoop.(*loop.EpochBasedTrain); byEpoch {
		name = checkpoint.FilenameEpoch(r.trainLoop.Epoch())
	} else {
		name = checkpoint.FilenameIter(r.trainLoop.Iter())
	}
	path := filepath.Join(r.workDir, name)

	hubState, err := r.hub.StateDict()
	if err != nil {
		return "", fmt.Errorf("failed to capture message hub state: %w", err)
	}
	var datasetMeta map[string]any
	if mp, ok := r.trainLoader.Dataset().(dataload.MetaProvider); ok {
		datasetMeta = mp.MetaInfo()
	}
	extra := map[string]any{
		checkpoint.KeyMeta: map[string]any{
			"epoch":           r.trainLoop.Epoch(),
			"iter":            r.trainLoop.Iter(),
			"seed":            r.strat.Seed(),
			"experiment_name": r.experimentName,
			"timestamp":       r.strat.Timestamp(),
			"world_size":      r.strat.WorldSize(),
			"dataset_meta":    datasetMeta,
			"run_id":          r.runID,
			"config":          r.opts.ConfigText,
		},
		checkpoint.KeyMessageHub: hubState,
	}
	if err := r.hooks.BeforeSaveCheckpoint(ctx, r, extra); err != nil {
		return "", err
	}
	return r.strat.SaveCheckpoint(ctx, path, extra)
}
