package dataload

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vk/trainergo/internal/registry"
)

// Batch is the unit a loader yields: the samples of one step.
type Batch []any

// SliceLoader batches an indexable dataset. With prefetch > 0 the
// batches of an epoch are materialized by that many goroutines.
type SliceLoader struct {
	dataset   Dataset
	sampler   Sampler
	batchSize int
	prefetch  int

	batches []Batch
	pos     int
	err     error
}

// NewSliceLoader creates a loader over dataset driven by sampler.
func NewSliceLoader(dataset Dataset, sampler Sampler, batchSize, prefetch int) (*SliceLoader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	l := &SliceLoader{dataset: dataset, sampler: sampler, batchSize: batchSize, prefetch: prefetch}
	l.Reset()
	return l, nil
}

// Reset implements Loader: re-reads the sampler (picking up any epoch
// reseed) and materializes the epoch's batches.
func (l *SliceLoader) Reset() {
	l.pos = 0
	l.err = nil

	indices := l.sampler.Indices()
	n := (len(indices) + l.batchSize - 1) / l.batchSize
	l.batches = make([]Batch, n)

	fetch := func(b int) error {
		lo := b * l.batchSize
		hi := lo + l.batchSize
		if hi > len(indices) {
			hi = len(indices)
		}
		batch := make(Batch, 0, hi-lo)
		for _, idx := range indices[lo:hi] {
			sample, err := l.dataset.Get(idx)
			if err != nil {
				return err
			}
			batch = append(batch, sample)
		}
		l.batches[b] = batch
		return nil
	}

	if l.prefetch > 1 {
		var g errgroup.Group
		g.SetLimit(l.prefetch)
		for b := 0; b < n; b++ {
			b := b
			g.Go(func() error { return fetch(b) })
		}
		l.err = g.Wait()
		return
	}
	for b := 0; b < n; b++ {
		if l.err = fetch(b); l.err != nil {
			return
		}
	}
}

// Next implements Loader.
func (l *SliceLoader) Next() (any, bool) {
	if l.err != nil || l.pos >= len(l.batches) {
		return nil, false
	}
	b := l.batches[l.pos]
	l.pos++
	return b, true
}

// Err implements Loader.
func (l *SliceLoader) Err() error { return l.err }

// BatchSize implements Loader.
func (l *SliceLoader) BatchSize() int { return l.batchSize }

// Len implements Loader.
func (l *SliceLoader) Len() int { return len(l.batches) }

// Dataset implements Loader.
func (l *SliceLoader) Dataset() Dataset { return l.dataset }

// Sampler implements Loader.
func (l *SliceLoader) Sampler() Sampler { return l.sampler }

// BuildLoader constructs a loader from a dataloader spec: dataset spec,
// optional sampler spec, batch_size and optional prefetch. Under a
// multi-process group the sampler is wrapped rank-strided.
func BuildLoader(set *registry.Set, rank, worldSize int, spec map[string]any) (Loader, error) {
	dsSpec, ok := spec["dataset"]
	if !ok {
		return nil, fmt.Errorf("%w: dataloader spec requires a dataset", registry.ErrBadSpec)
	}
	dataset, err := buildDataset(set, dsSpec)
	if err != nil {
		return nil, err
	}
	if init, ok := dataset.(FullInitializer); ok {
		if err := init.FullInit(); err != nil {
			return nil, fmt.Errorf("dataset initialization failed: %w", err)
		}
	}

	batchSize, ok, err := registry.IntArg(spec, "batch_size")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: dataloader spec requires batch_size", registry.ErrBadSpec)
	}
	prefetch, _, err := registry.IntArg(spec, "prefetch")
	if err != nil {
		return nil, err
	}

	sampler, err := buildSampler(set, spec["sampler"], dataset.Len())
	if err != nil {
		return nil, err
	}
	if worldSize > 1 {
		sampler = NewDistSampler(sampler, rank, worldSize)
	}
	return NewSliceLoader(dataset, sampler, batchSize, prefetch)
}

func buildDataset(set *registry.Set, spec any) (Dataset, error) {
	if ds, ok := spec.(Dataset); ok {
		return ds, nil
	}
	built, err := set.Kind(registry.KindDataset).Build(spec, nil)
	if err != nil {
		return nil, err
	}
	ds, ok := built.(Dataset)
	if !ok {
		return nil, fmt.Errorf("dataset spec built a %T, want a dataset", built)
	}
	return ds, nil
}

func buildSampler(set *registry.Set, spec any, datasetLen int) (Sampler, error) {
	if spec == nil {
		return NewSequentialSampler(datasetLen), nil
	}
	if s, ok := spec.(Sampler); ok {
		return s, nil
	}
	m, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: sampler spec must be a mapping, got %T", registry.ErrBadSpec, spec)
	}
	if _, ok := m["length"]; !ok {
		m = cloneSpec(m)
		m["length"] = datasetLen
	}
	built, err := set.Kind(registry.KindSampler).Build(m, nil)
	if err != nil {
		return nil, err
	}
	s, ok := built.(Sampler)
	if !ok {
		return nil, fmt.Errorf("sampler spec built a %T, want a sampler", built)
	}
	return s, nil
}

func cloneSpec(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
