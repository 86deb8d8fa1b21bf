package strategy

import (
	"context"
	"fmt"

	"github.com/vk/trainergo/internal/checkpoint"
	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/registry"
)

// ZeroRedundancy is the optimizer-state-partitioning strategy: training
// runs data-parallel like DDP, but each rank persists only its own
// optimizer shard at checkpoint time. Stages 1 to 3 select how much
// state the embedding project partitions; the stage is recorded in
// checkpoints so shards are matched on load.
type ZeroRedundancy struct {
	baseStrategy
	stage int
}

// NewZeroRedundancy creates the partitioning strategy for the given
// stage (1, 2 or 3).
func NewZeroRedundancy(set *registry.Set, stage int) (*ZeroRedundancy, error) {
	if stage < 1 || stage > 3 {
		return nil, fmt.Errorf("zero redundancy stage must be 1, 2 or 3, got %d", stage)
	}
	return &ZeroRedundancy{baseStrategy: newBaseStrategy(set), stage: stage}, nil
}

// Stage returns the configured partitioning stage.
func (s *ZeroRedundancy) Stage() int { return s.stage }

// SetupEnv implements Strategy.
func (s *ZeroRedundancy) SetupEnv(ctx context.Context, opts EnvOptions) error {
	return s.setupEnv(ctx, opts, true)
}

// Prepare implements Strategy.
func (s *ZeroRedundancy) Prepare(ctx context.Context, opts PrepareOptions) error {
	err := s.prepareCommon(ctx, opts, func(m model.Model) model.Model {
		return model.NewDistDataParallel(m, s.backend)
	})
	if err != nil {
		return err
	}
	return syncWeights(&s.baseStrategy)
}

// SaveCheckpoint implements Strategy. Rank 0 writes the main file
// without optimizer state; every rank writes its optimizer shard next
// to it.
func (s *ZeroRedundancy) SaveCheckpoint(ctx context.Context, path string, extra map[string]any) (string, error) {
	sd, err := s.StateDict()
	if err != nil {
		return "", err
	}
	optState, hasOpt := sd["optimizer"]
	delete(sd, "optimizer")

	if hasOpt {
		shard := map[string]any{
			"optimizer": optState,
			"rank":      s.Rank(),
			"stage":     s.stage,
		}
		if err := checkpoint.Save(shardPath(path, s.Rank()), shard); err != nil {
			return "", fmt.Errorf("failed to save optimizer shard: %w", err)
		}
	}
	if s.Rank() != 0 {
		return "", nil
	}
	sd["zero_stage"] = s.stage
	for k, v := range extra {
		sd[k] = v
	}
	if err := checkpoint.Save(path, sd); err != nil {
		return "", err
	}
	return path, nil
}

// LoadCheckpoint implements Strategy. The optimizer section comes from
// this rank's shard file.
func (s *ZeroRedundancy) LoadCheckpoint(ctx context.Context, path string, opts LoadOptions) (map[string]any, error) {
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.Optimizer {
		shard, err := checkpoint.Load(shardPath(path, s.Rank()))
		if err != nil {
			return nil, fmt.Errorf("failed to load optimizer shard for rank %d: %w", s.Rank(), err)
		}
		if st, ok := shard["stage"]; ok {
			if n, ok := toInt(st); ok && n != s.stage {
				return nil, fmt.Errorf("checkpoint was written at zero stage %d, configured stage is %d", n, s.stage)
			}
		}
		ckpt["optimizer"] = shard["optimizer"]
	}
	if err := s.LoadStateDict(ckpt, opts); err != nil {
		return nil, err
	}
	return ckpt, nil
}

func shardPath(path string, rank int) string {
	return fmt.Sprintf("%s.os_rank%d", path, rank)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	default:
		return 0, false
	}
}
