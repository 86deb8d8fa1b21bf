// Package dataload supplies batch iteration for the loops: dataset and
// sampler contracts, a built-in in-memory loader, and the rank-strided
// sampler used under distributed training.
package dataload

import (
	"fmt"

	"github.com/vk/trainergo/internal/registry"
)

// Dataset is indexable sample storage.
type Dataset interface {
	Len() int
	Get(index int) (any, error)
}

// MetaProvider is implemented by datasets carrying descriptive metadata
// (class names, splits). The metadata is recorded in checkpoints and
// cross-checked on resume.
type MetaProvider interface {
	MetaInfo() map[string]any
}

// FullInitializer is implemented by datasets with deferred loading.
// FullInit is called once before the first epoch.
type FullInitializer interface {
	FullInit() error
}

// Sampler yields the sample indices of one epoch.
type Sampler interface {
	Indices() []int
}

// EpochSeeder is implemented by samplers reseeded per epoch so shuffle
// order differs between epochs but agrees across ranks.
type EpochSeeder interface {
	SetEpoch(epoch int)
}

// Loader iterates batches for one loop.
type Loader interface {
	// Next returns the next batch, or false at epoch end. A new epoch
	// starts on the Next call after exhaustion.
	Next() (any, bool)
	// Reset restarts iteration from the epoch's first batch.
	Reset()
	// Err reports the first error hit while materializing batches.
	Err() error
	BatchSize() int
	// Len returns the number of batches per epoch.
	Len() int
	Dataset() Dataset
	Sampler() Sampler
}

// SliceDataset is the built-in in-memory dataset.
type SliceDataset struct {
	samples []any
	meta    map[string]any
}

// NewSliceDataset wraps samples, with optional metadata.
func NewSliceDataset(samples []any, meta map[string]any) *SliceDataset {
	return &SliceDataset{samples: samples, meta: meta}
}

// Len implements Dataset.
func (d *SliceDataset) Len() int { return len(d.samples) }

// Get implements Dataset.
func (d *SliceDataset) Get(index int) (any, error) {
	if index < 0 || index >= len(d.samples) {
		return nil, fmt.Errorf("dataset index %d out of range [0, %d)", index, len(d.samples))
	}
	return d.samples[index], nil
}

// MetaInfo implements MetaProvider.
func (d *SliceDataset) MetaInfo() map[string]any { return d.meta }

// Register installs the built-in dataset and sampler types.
func Register(set *registry.Set) {
	set.Kind(registry.KindDataset).Register("SliceDataset", func(args map[string]any) (any, error) {
		samples, _ := args["samples"].([]any)
		meta, _, err := registry.SpecArg(args, "meta")
		if err != nil {
			return nil, err
		}
		return NewSliceDataset(samples, meta), nil
	})

	set.Kind(registry.KindSampler).Register("SequentialSampler", func(args map[string]any) (any, error) {
		n, ok, err := registry.IntArg(args, "length")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: SequentialSampler requires length", registry.ErrBadSpec)
		}
		return NewSequentialSampler(n), nil
	})

	set.Kind(registry.KindSampler).Register("ShuffleSampler", func(args map[string]any) (any, error) {
		n, ok, err := registry.IntArg(args, "length")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: ShuffleSampler requires length", registry.ErrBadSpec)
		}
		seed, _, err := registry.IntArg(args, "seed")
		if err != nil {
			return nil, err
		}
		return NewShuffleSampler(n, int64(seed)), nil
	})
}

// Module adapts Register to the registry module installer.
var Module = registry.ModuleFunc(Register)
