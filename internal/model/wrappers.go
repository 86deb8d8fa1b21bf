package model

import (
	"fmt"
	"sort"

	"github.com/vk/trainergo/internal/comm"
	"github.com/vk/trainergo/internal/optim"
)

// DistDataParallel wraps a model for data-parallel training: every rank
// runs the same model, and gradients are averaged across the process
// group before each optimizer update.
type DistDataParallel struct {
	inner   Model
	backend comm.Backend
}

// NewDistDataParallel wraps inner over backend.
func NewDistDataParallel(inner Model, backend comm.Backend) *DistDataParallel {
	return &DistDataParallel{inner: inner, backend: backend}
}

// Inner implements Wrapper.
func (d *DistDataParallel) Inner() Model { return d.inner }

// TrainStep implements Model, interposing gradient averaging on the
// optimizer wrapper the inner model drives.
func (d *DistDataParallel) TrainStep(batch any, ow optim.Wrapper) (map[string]float64, error) {
	updater, ok := ow.(optim.ParamUpdater)
	if !ok {
		return nil, fmt.Errorf("optimizer wrapper %T cannot update parameters", ow)
	}
	sync := &gradSyncWrapper{Wrapper: ow, updater: updater, backend: d.backend}
	return d.inner.TrainStep(batch, sync)
}

// ValStep implements Model.
func (d *DistDataParallel) ValStep(batch any) (any, error) { return d.inner.ValStep(batch) }

// TestStep implements Model.
func (d *DistDataParallel) TestStep(batch any) (any, error) { return d.inner.TestStep(batch) }

// InitWeights delegates when the inner model initializes weights.
func (d *DistDataParallel) InitWeights() error {
	if init, ok := d.inner.(WeightsInitializer); ok {
		return init.InitWeights()
	}
	return nil
}

// StateDict delegates to the inner model.
func (d *DistDataParallel) StateDict() map[string]any {
	if s, ok := d.inner.(Stateful); ok {
		return s.StateDict()
	}
	return nil
}

// LoadStateDict delegates to the inner model.
func (d *DistDataParallel) LoadStateDict(sd map[string]any) error {
	if s, ok := d.inner.(Stateful); ok {
		return s.LoadStateDict(sd)
	}
	return fmt.Errorf("model %T carries no state", d.inner)
}

// Parameters delegates to the inner model.
func (d *DistDataParallel) Parameters() map[string]*float64 {
	if p, ok := d.inner.(Parameterized); ok {
		return p.Parameters()
	}
	return nil
}

// gradSyncWrapper averages gradients across ranks before delegating the
// update.
type gradSyncWrapper struct {
	optim.Wrapper
	updater optim.ParamUpdater
	backend comm.Backend
}

func (g *gradSyncWrapper) UpdateParams(grads map[string]float64) error {
	if g.backend.WorldSize() > 1 {
		names := make([]string, 0, len(grads))
		for name := range grads {
			names = append(names, name)
		}
		sort.Strings(names)
		values := make([]float64, len(names))
		for i, name := range names {
			values[i] = grads[name]
		}
		if err := g.backend.AllReduceFloat(comm.OpMean, values); err != nil {
			return fmt.Errorf("gradient synchronization failed: %w", err)
		}
		for i, name := range names {
			grads[name] = values[i]
		}
	}
	return g.updater.UpdateParams(grads)
}

// ShardedWrapper marks a model whose state is sharded across ranks.
// Step calls pass through; the strategy consults FullStateOnSave when
// checkpointing.
type ShardedWrapper struct {
	inner Model

	// FullStateOnSave requests gathering the complete state on rank 0
	// at checkpoint time instead of per-rank shards.
	FullStateOnSave bool
}

// NewShardedWrapper wraps inner.
func NewShardedWrapper(inner Model, fullStateOnSave bool) *ShardedWrapper {
	return &ShardedWrapper{inner: inner, FullStateOnSave: fullStateOnSave}
}

// Inner implements Wrapper.
func (s *ShardedWrapper) Inner() Model { return s.inner }

// TrainStep implements Model.
func (s *ShardedWrapper) TrainStep(batch any, ow optim.Wrapper) (map[string]float64, error) {
	return s.inner.TrainStep(batch, ow)
}

// ValStep implements Model.
func (s *ShardedWrapper) ValStep(batch any) (any, error) { return s.inner.ValStep(batch) }

// TestStep implements Model.
func (s *ShardedWrapper) TestStep(batch any) (any, error) { return s.inner.TestStep(batch) }

// StateDict delegates to the inner model.
func (s *ShardedWrapper) StateDict() map[string]any {
	if st, ok := s.inner.(Stateful); ok {
		return st.StateDict()
	}
	return nil
}

// LoadStateDict delegates to the inner model.
func (s *ShardedWrapper) LoadStateDict(sd map[string]any) error {
	if st, ok := s.inner.(Stateful); ok {
		return st.LoadStateDict(sd)
	}
	return fmt.Errorf("model %T carries no state", s.inner)
}

// Parameters delegates to the inner model.
func (s *ShardedWrapper) Parameters() map[string]*float64 {
	if p, ok := s.inner.(Parameterized); ok {
		return p.Parameters()
	}
	return nil
}
