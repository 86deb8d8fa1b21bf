package strategy

import (
	"context"

	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/registry"
)

// Sharded is the fully-sharded strategy: the model is wrapped in a
// ShardedWrapper so the embedding project can partition parameters, and
// checkpoints gather the full state on rank 0 when configured.
type Sharded struct {
	baseStrategy
	fullStateOnSave bool
}

// NewSharded creates the sharded strategy.
func NewSharded(set *registry.Set, fullStateOnSave bool) *Sharded {
	return &Sharded{baseStrategy: newBaseStrategy(set), fullStateOnSave: fullStateOnSave}
}

// SetupEnv implements Strategy.
func (s *Sharded) SetupEnv(ctx context.Context, opts EnvOptions) error {
	return s.setupEnv(ctx, opts, true)
}

// Prepare implements Strategy.
func (s *Sharded) Prepare(ctx context.Context, opts PrepareOptions) error {
	err := s.prepareCommon(ctx, opts, func(m model.Model) model.Model {
		return model.NewShardedWrapper(m, s.fullStateOnSave)
	})
	if err != nil {
		return err
	}
	return syncWeights(&s.baseStrategy)
}

// SaveCheckpoint implements Strategy. With full-state gathering every
// rank reaches a barrier first so the state is settled, then rank 0
// writes; without it each rank writes its own shard file.
func (s *Sharded) SaveCheckpoint(ctx context.Context, path string, extra map[string]any) (string, error) {
	if s.fullStateOnSave {
		if err := s.backend.Barrier(); err != nil {
			return "", err
		}
		if s.Rank() != 0 {
			return "", nil
		}
		return saveMerged(s, path, extra)
	}
	return saveMerged(s, shardPath(path, s.Rank()), extra)
}

// LoadCheckpoint implements Strategy.
func (s *Sharded) LoadCheckpoint(ctx context.Context, path string, opts LoadOptions) (map[string]any, error) {
	if !s.fullStateOnSave {
		path = shardPath(path, s.Rank())
	}
	return loadAndApply(s, path, opts)
}
