package strategy

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/registry"
)

// DDP trains data-parallel: each rank holds a model replica, gradients
// are averaged through the process group, and rank 0's initial weights
// are broadcast so replicas start identical.
type DDP struct {
	baseStrategy
}

// NewDDP creates the data-parallel strategy.
func NewDDP(set *registry.Set) *DDP {
	return &DDP{baseStrategy: newBaseStrategy(set)}
}

// SetupEnv implements Strategy.
func (s *DDP) SetupEnv(ctx context.Context, opts EnvOptions) error {
	return s.setupEnv(ctx, opts, true)
}

// Prepare implements Strategy.
func (s *DDP) Prepare(ctx context.Context, opts PrepareOptions) error {
	err := s.prepareCommon(ctx, opts, func(m model.Model) model.Model {
		return model.NewDistDataParallel(m, s.backend)
	})
	if err != nil {
		return err
	}
	return syncWeights(&s.baseStrategy)
}

// SaveCheckpoint implements Strategy. Only rank 0 writes.
func (s *DDP) SaveCheckpoint(ctx context.Context, path string, extra map[string]any) (string, error) {
	if s.Rank() != 0 {
		return "", nil
	}
	return saveMerged(s, path, extra)
}

// LoadCheckpoint implements Strategy. Every rank reads the same file.
func (s *DDP) LoadCheckpoint(ctx context.Context, path string, opts LoadOptions) (map[string]any, error) {
	return loadAndApply(s, path, opts)
}

// syncWeights broadcasts rank 0's model state so all replicas agree
// after initialization.
func syncWeights(s *baseStrategy) error {
	if s.WorldSize() <= 1 {
		return nil
	}
	st, ok := s.model.(model.Stateful)
	if !ok {
		return nil
	}
	var payload []byte
	if s.Rank() == 0 {
		var err error
		payload, err = msgpack.Marshal(st.StateDict())
		if err != nil {
			return fmt.Errorf("failed to serialize weights for broadcast: %w", err)
		}
	}
	out, err := s.backend.Broadcast(0, payload)
	if err != nil {
		return fmt.Errorf("weight broadcast failed: %w", err)
	}
	if s.Rank() != 0 {
		var sd map[string]any
		if err := msgpack.Unmarshal(out, &sd); err != nil {
			return fmt.Errorf("received malformed weight broadcast: %w", err)
		}
		if err := st.LoadStateDict(sd); err != nil {
			return fmt.Errorf("failed to apply broadcast weights: %w", err)
		}
	}
	return nil
}
