package msghub

import "math"

// HistoryBuffer records a bounded history of scalar samples together
// with per-sample counts, and answers windowed statistics over it.
type HistoryBuffer struct {
	values    []float64
	counts    []int
	maxLength int
}

// NewHistoryBuffer creates an empty buffer keeping at most maxLength
// samples. maxLength <= 0 means unbounded.
func NewHistoryBuffer(maxLength int) *HistoryBuffer {
	return &HistoryBuffer{maxLength: maxLength}
}

// Update appends one sample. Once the buffer is full the oldest sample
// is discarded.
func (b *HistoryBuffer) Update(value float64, count int) {
	b.values = append(b.values, value)
	b.counts = append(b.counts, count)
	if b.maxLength > 0 && len(b.values) > b.maxLength {
		drop := len(b.values) - b.maxLength
		b.values = b.values[drop:]
		b.counts = b.counts[drop:]
	}
}

// Len returns the number of retained samples.
func (b *HistoryBuffer) Len() int { return len(b.values) }

// Values returns the retained samples, oldest first. The slice is shared
// with the buffer and must not be mutated.
func (b *HistoryBuffer) Values() []float64 { return b.values }

// Current returns the most recent sample, or 0 for an empty buffer.
func (b *HistoryBuffer) Current() float64 {
	if len(b.values) == 0 {
		return 0
	}
	return b.values[len(b.values)-1]
}

// Mean returns the count-weighted mean of the last window samples.
// window <= 0 covers the whole buffer.
func (b *HistoryBuffer) Mean(window int) float64 {
	values, counts := b.tail(window)
	var sum float64
	var n int
	for i, v := range values {
		sum += v * float64(counts[i])
		n += counts[i]
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Max returns the maximum over the last window samples.
func (b *HistoryBuffer) Max(window int) float64 {
	values, _ := b.tail(window)
	if len(values) == 0 {
		return 0
	}
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

// Min returns the minimum over the last window samples.
func (b *HistoryBuffer) Min(window int) float64 {
	values, _ := b.tail(window)
	if len(values) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

func (b *HistoryBuffer) tail(window int) ([]float64, []int) {
	if window <= 0 || window >= len(b.values) {
		return b.values, b.counts
	}
	start := len(b.values) - window
	return b.values[start:], b.counts[start:]
}

type bufferState struct {
	Values    []float64 `msgpack:"values"`
	Counts    []int     `msgpack:"counts"`
	MaxLength int       `msgpack:"max_length"`
}

func (b *HistoryBuffer) state() *bufferState {
	return &bufferState{Values: b.values, Counts: b.counts, MaxLength: b.maxLength}
}

func (s *bufferState) restore() *HistoryBuffer {
	return &HistoryBuffer{values: s.Values, counts: s.Counts, maxLength: s.MaxLength}
}
