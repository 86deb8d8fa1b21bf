// Package strategy encapsulates how a training run maps onto compute:
// single process, data-parallel over a process group, optimizer-state
// partitioning, or sharded models. A strategy owns environment setup,
// the built model/optimizer/scheduler triple, and checkpoint I/O; loops
// and the runner stay identical across strategies.
package strategy

import (
	"context"
	"fmt"

	"github.com/vk/trainergo/internal/comm"
	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
)

// EnvOptions configures SetupEnv.
type EnvOptions struct {
	// Launcher selects the process-group bootstrap: none, pytorch,
	// mpi or slurm.
	Launcher string
	// Seed seeds randomness; 0 draws one from the clock on rank 0 and
	// shares it with the group.
	Seed int64
	// DiffRankSeed offsets the seed by the rank so ranks draw
	// different random streams.
	DiffRankSeed bool
	// Deterministic requests bit-stable runs; recorded for the model
	// layer to honor.
	Deterministic bool
	// MPStartMethod is accepted for configuration compatibility and
	// recorded; process start semantics are fixed by the runtime.
	MPStartMethod string
}

// PrepareOptions configures Prepare.
type PrepareOptions struct {
	// ModelSpec is a registry spec or an already built model.
	ModelSpec any
	// OptimWrapperSpec is optional; training requires it.
	OptimWrapperSpec any
	// SchedulerSpec is optional and requires OptimWrapperSpec.
	SchedulerSpec any
	// SchedulerCtx supplies loop extents for default scheduler windows.
	SchedulerCtx scheduler.BuildContext
}

// LoadOptions selects which checkpoint sections LoadCheckpoint applies.
type LoadOptions struct {
	Optimizer  bool
	Schedulers bool
}

// Strategy prepares and owns the trainable state of a run.
type Strategy interface {
	// SetupEnv establishes process-group membership, seeding and the
	// shared run timestamp. It must be called exactly once, before
	// Prepare.
	SetupEnv(ctx context.Context, opts EnvOptions) error
	// Prepare builds the model, optimizer wrapper and schedulers.
	// Calling it again after a run has started is an error.
	Prepare(ctx context.Context, opts PrepareOptions) error

	Model() model.Model
	OptimWrapper() optim.Wrapper
	Schedulers() map[string][]scheduler.Scheduler
	Backend() comm.Backend
	Rank() int
	WorldSize() int
	Seed() int64
	Timestamp() string

	// StateDict collects model, optimizer and scheduler state.
	StateDict() (map[string]any, error)
	// LoadStateDict applies a StateDict payload per opts.
	LoadStateDict(sd map[string]any, opts LoadOptions) error

	// SaveCheckpoint merges the strategy state with extra sections and
	// persists it. Ranks other than 0 may write nothing and return an
	// empty path.
	SaveCheckpoint(ctx context.Context, path string, extra map[string]any) (string, error)
	// LoadCheckpoint reads a checkpoint, applies the strategy state per
	// opts, and returns the raw payload for the caller's sections.
	LoadCheckpoint(ctx context.Context, path string, opts LoadOptions) (map[string]any, error)

	Close() error
}

// baseStrategy carries what every variant shares.
type baseStrategy struct {
	set     *registry.Set
	backend comm.Backend

	seed       int64
	timestamp  string
	envReady   bool
	prepared   bool
	determin   bool
	launchInfo comm.ProcInfo

	model  model.Model
	ow     optim.Wrapper
	scheds map[string][]scheduler.Scheduler
}

func newBaseStrategy(set *registry.Set) baseStrategy {
	return baseStrategy{set: set, backend: comm.NewLocal()}
}

func (s *baseStrategy) Model() model.Model          { return s.model }
func (s *baseStrategy) OptimWrapper() optim.Wrapper { return s.ow }
func (s *baseStrategy) Backend() comm.Backend       { return s.backend }
func (s *baseStrategy) Seed() int64                 { return s.seed }
func (s *baseStrategy) Timestamp() string           { return s.timestamp }

func (s *baseStrategy) Schedulers() map[string][]scheduler.Scheduler { return s.scheds }

func (s *baseStrategy) Rank() int {
	if s.backend == nil {
		return 0
	}
	return s.backend.Rank()
}

func (s *baseStrategy) WorldSize() int {
	if s.backend == nil {
		return 1
	}
	return s.backend.WorldSize()
}

// prepareCommon builds the model/optimizer/scheduler triple. wrap is
// applied to the built model before optimizer binding so gradients flow
// through the variant's wrapper.
func (s *baseStrategy) prepareCommon(ctx context.Context, opts PrepareOptions, wrap func(model.Model) model.Model) error {
	if !s.envReady {
		return fmt.Errorf("strategy environment is not set up")
	}
	if s.prepared {
		return fmt.Errorf("strategy is already prepared; a new run needs a new strategy")
	}
	if opts.SchedulerSpec != nil && opts.OptimWrapperSpec == nil {
		return fmt.Errorf("param_scheduler requires an optim_wrapper")
	}

	m, err := s.buildModel(opts.ModelSpec)
	if err != nil {
		return err
	}
	if init, ok := m.(model.WeightsInitializer); ok {
		if err := init.InitWeights(); err != nil {
			return fmt.Errorf("weight initialization failed: %w", err)
		}
	}
	if wrap != nil {
		m = wrap(m)
	}
	s.model = m

	if opts.OptimWrapperSpec != nil {
		ow, err := optim.BuildWrapper(s.set, opts.OptimWrapperSpec)
		if err != nil {
			return fmt.Errorf("failed to build optim_wrapper: %w", err)
		}
		if err := bindParams(ow, m); err != nil {
			return err
		}
		s.ow = ow
	}

	if opts.SchedulerSpec != nil {
		scheds, err := scheduler.BuildAll(s.set, opts.SchedulerCtx, s.ow, opts.SchedulerSpec)
		if err != nil {
			return fmt.Errorf("failed to build param_scheduler: %w", err)
		}
		s.scheds = scheds
	}

	s.prepared = true
	return nil
}

func (s *baseStrategy) buildModel(spec any) (model.Model, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: strategy requires a model", registry.ErrBadSpec)
	}
	if m, ok := spec.(model.Model); ok {
		return m, nil
	}
	built, err := s.set.Kind(registry.KindModel).Build(spec, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	m, ok := built.(model.Model)
	if !ok {
		return nil, fmt.Errorf("model spec built a %T, want a model", built)
	}
	return m, nil
}

// bindParams attaches the model's parameter storage to every optimizer
// in the wrapper.
func bindParams(ow optim.Wrapper, m model.Model) error {
	p, ok := model.Unwrap(m).(model.Parameterized)
	if !ok {
		return nil
	}
	params := p.Parameters()
	switch t := ow.(type) {
	case *optim.OptimWrapper:
		t.Optimizer().Bind(params)
	case *optim.OptimWrapperDict:
		for _, name := range t.Names() {
			w, _ := t.Get(name)
			w.Optimizer().Bind(params)
		}
	default:
		return fmt.Errorf("cannot bind parameters to optimizer wrapper %T", ow)
	}
	return nil
}

// StateDict implements Strategy.
func (s *baseStrategy) StateDict() (map[string]any, error) {
	if !s.prepared {
		return nil, fmt.Errorf("strategy is not prepared")
	}
	sd := map[string]any{}
	if st, ok := s.model.(model.Stateful); ok {
		sd["state_dict"] = st.StateDict()
	}
	if s.ow != nil {
		sd["optimizer"] = s.ow.StateDict()
	}
	if len(s.scheds) > 0 {
		groups := make(map[string]any, len(s.scheds))
		for name, list := range s.scheds {
			states := make([]any, len(list))
			for i, sc := range list {
				states[i] = sc.StateDict()
			}
			groups[name] = states
		}
		sd["param_schedulers"] = groups
	}
	return sd, nil
}

// LoadStateDict implements Strategy.
func (s *baseStrategy) LoadStateDict(sd map[string]any, opts LoadOptions) error {
	if !s.prepared {
		return fmt.Errorf("strategy is not prepared")
	}
	if raw, ok := sd["state_dict"]; ok {
		ms, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("checkpoint state_dict has unexpected shape %T", raw)
		}
		st, ok := s.model.(model.Stateful)
		if !ok {
			return fmt.Errorf("model %T cannot load a state_dict", s.model)
		}
		if err := st.LoadStateDict(ms); err != nil {
			return fmt.Errorf("failed to restore model state: %w", err)
		}
	}
	if opts.Optimizer && s.ow != nil {
		raw, ok := sd["optimizer"].(map[string]any)
		if !ok {
			return fmt.Errorf("checkpoint carries no optimizer state")
		}
		if err := s.ow.LoadStateDict(raw); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if opts.Schedulers && len(s.scheds) > 0 {
		raw, ok := sd["param_schedulers"].(map[string]any)
		if !ok {
			return fmt.Errorf("checkpoint carries no scheduler state")
		}
		for name, list := range s.scheds {
			states, ok := raw[name].([]any)
			if !ok || len(states) != len(list) {
				return fmt.Errorf("checkpoint scheduler state for %q does not match the configured schedulers", name)
			}
			for i, sc := range list {
				st, ok := states[i].(map[string]any)
				if !ok {
					return fmt.Errorf("checkpoint scheduler state for %q has unexpected shape", name)
				}
				if err := sc.LoadStateDict(st); err != nil {
					return fmt.Errorf("failed to restore scheduler %d of %q: %w", i, name, err)
				}
			}
		}
	}
	return nil
}

func (s *baseStrategy) Close() error {
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}
