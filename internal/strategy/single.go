package strategy

import (
	"context"

	"github.com/vk/trainergo/internal/checkpoint"
	"github.com/vk/trainergo/internal/registry"
)

// SingleDevice runs everything in one process with no model wrapping.
type SingleDevice struct {
	baseStrategy
}

// NewSingleDevice creates the single-process strategy.
func NewSingleDevice(set *registry.Set) *SingleDevice {
	return &SingleDevice{baseStrategy: newBaseStrategy(set)}
}

// SetupEnv implements Strategy.
func (s *SingleDevice) SetupEnv(ctx context.Context, opts EnvOptions) error {
	return s.setupEnv(ctx, opts, false)
}

// Prepare implements Strategy.
func (s *SingleDevice) Prepare(ctx context.Context, opts PrepareOptions) error {
	return s.prepareCommon(ctx, opts, nil)
}

// SaveCheckpoint implements Strategy.
func (s *SingleDevice) SaveCheckpoint(ctx context.Context, path string, extra map[string]any) (string, error) {
	return saveMerged(s, path, extra)
}

// LoadCheckpoint implements Strategy.
func (s *SingleDevice) LoadCheckpoint(ctx context.Context, path string, opts LoadOptions) (map[string]any, error) {
	return loadAndApply(s, path, opts)
}

// saveMerged writes strategy state plus extra sections to path.
func saveMerged(s Strategy, path string, extra map[string]any) (string, error) {
	sd, err := s.StateDict()
	if err != nil {
		return "", err
	}
	for k, v := range extra {
		sd[k] = v
	}
	if err := checkpoint.Save(path, sd); err != nil {
		return "", err
	}
	return path, nil
}

// loadAndApply reads path and applies the strategy sections per opts.
func loadAndApply(s Strategy, path string, opts LoadOptions) (map[string]any, error) {
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if err := s.LoadStateDict(ckpt, opts); err != nil {
		return nil, err
	}
	return ckpt, nil
}
