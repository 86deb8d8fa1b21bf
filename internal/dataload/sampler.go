package dataload

import "math/rand"

// SequentialSampler yields 0..n-1 in order.
type SequentialSampler struct {
	n int
}

// NewSequentialSampler creates a sampler over n samples.
func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

// Indices implements Sampler.
func (s *SequentialSampler) Indices() []int {
	out := make([]int, s.n)
	for i := range out {
		out[i] = i
	}
	return out
}

// ShuffleSampler yields a seeded permutation of 0..n-1. SetEpoch folds
// the epoch into the seed so each epoch shuffles differently while all
// ranks agree.
type ShuffleSampler struct {
	n     int
	seed  int64
	epoch int
}

// NewShuffleSampler creates a shuffling sampler over n samples.
func NewShuffleSampler(n int, seed int64) *ShuffleSampler {
	return &ShuffleSampler{n: n, seed: seed}
}

// Indices implements Sampler.
func (s *ShuffleSampler) Indices() []int {
	rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
	return rng.Perm(s.n)
}

// SetEpoch implements EpochSeeder.
func (s *ShuffleSampler) SetEpoch(epoch int) { s.epoch = epoch }

// DistSampler stripes another sampler's indices across ranks: rank r of
// w takes indices r, r+w, r+2w, ...
type DistSampler struct {
	inner     Sampler
	rank      int
	worldSize int
}

// NewDistSampler stripes inner for the given rank.
func NewDistSampler(inner Sampler, rank, worldSize int) *DistSampler {
	if worldSize < 1 {
		worldSize = 1
	}
	return &DistSampler{inner: inner, rank: rank, worldSize: worldSize}
}

// Indices implements Sampler.
func (s *DistSampler) Indices() []int {
	all := s.inner.Indices()
	out := make([]int, 0, (len(all)+s.worldSize-1)/s.worldSize)
	for i := s.rank; i < len(all); i += s.worldSize {
		out = append(out, all[i])
	}
	return out
}

// SetEpoch implements EpochSeeder, forwarding to the inner sampler.
func (s *DistSampler) SetEpoch(epoch int) {
	if seeder, ok := s.inner.(EpochSeeder); ok {
		seeder.SetEpoch(epoch)
	}
}
