package scheduler

import (
	"fmt"
	"math"

	"github.com/vk/trainergo/internal/optim"
)

// ConstantLR multiplies the rate by factor on entering its window and
// restores it by the inverse factor when the window closes.
type ConstantLR struct {
	base
	factor     float64
	totalIters int
}

// NewConstantLR creates a ConstantLR active over [begin, end).
func NewConstantLR(target optim.LRTarget, factor float64, begin, end int, byEpoch bool) (*ConstantLR, error) {
	if factor <= 0 || factor > 1 {
		return nil, fmt.Errorf("constant factor must be in (0, 1], got %v", factor)
	}
	b, err := newBase(target, begin, end, byEpoch)
	if err != nil {
		return nil, err
	}
	s := &ConstantLR{base: b, factor: factor, totalIters: end - begin - 1}
	s.init(s.value)
	return s, nil
}

func (s *ConstantLR) value() float64 {
	cur := s.target.LR()
	switch s.lastStep {
	case 0:
		return cur * s.factor
	case s.totalIters:
		return cur / s.factor
	default:
		return cur
	}
}

// LinearLR interpolates the rate linearly from baseValue*startFactor to
// baseValue*endFactor across its window.
type LinearLR struct {
	base
	startFactor float64
	endFactor   float64
	totalIters  int
}

// NewLinearLR creates a LinearLR active over [begin, end).
func NewLinearLR(target optim.LRTarget, startFactor, endFactor float64, begin, end int, byEpoch bool) (*LinearLR, error) {
	if startFactor <= 0 || startFactor > 1 {
		return nil, fmt.Errorf("linear start_factor must be in (0, 1], got %v", startFactor)
	}
	if endFactor < 0 || endFactor > 1 {
		return nil, fmt.Errorf("linear end_factor must be in [0, 1], got %v", endFactor)
	}
	b, err := newBase(target, begin, end, byEpoch)
	if err != nil {
		return nil, err
	}
	s := &LinearLR{base: b, startFactor: startFactor, endFactor: endFactor, totalIters: end - begin - 1}
	s.init(s.value)
	return s, nil
}

func (s *LinearLR) value() float64 {
	if s.lastStep == 0 {
		return s.baseValue * s.startFactor
	}
	cur := s.target.LR()
	span := s.endFactor - s.startFactor
	return cur * (1 + span/(float64(s.totalIters)*s.startFactor+float64(s.lastStep-1)*span))
}

// MultiStepLR decays the rate by gamma at each milestone step. Repeated
// milestones compound the decay.
type MultiStepLR struct {
	base
	gamma      float64
	milestones map[int]int
}

// NewMultiStepLR creates a MultiStepLR with decay points relative to the
// window start.
func NewMultiStepLR(target optim.LRTarget, milestones []int, gamma float64, begin, end int, byEpoch bool) (*MultiStepLR, error) {
	if len(milestones) == 0 {
		return nil, fmt.Errorf("multi-step scheduler requires milestones")
	}
	b, err := newBase(target, begin, end, byEpoch)
	if err != nil {
		return nil, err
	}
	counts := map[int]int{}
	for _, m := range milestones {
		counts[m]++
	}
	s := &MultiStepLR{base: b, gamma: gamma, milestones: counts}
	s.init(s.value)
	return s, nil
}

func (s *MultiStepLR) value() float64 {
	cur := s.target.LR()
	n, ok := s.milestones[s.lastStep]
	if !ok {
		return cur
	}
	return cur * math.Pow(s.gamma, float64(n))
}

// StepLR decays the rate by gamma every stepSize steps inside the
// window.
type StepLR struct {
	base
	gamma    float64
	stepSize int
}

// NewStepLR creates a StepLR with a fixed decay period.
func NewStepLR(target optim.LRTarget, stepSize int, gamma float64, begin, end int, byEpoch bool) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, fmt.Errorf("step_size must be positive, got %d", stepSize)
	}
	b, err := newBase(target, begin, end, byEpoch)
	if err != nil {
		return nil, err
	}
	s := &StepLR{base: b, gamma: gamma, stepSize: stepSize}
	s.init(s.value)
	return s, nil
}

func (s *StepLR) value() float64 {
	cur := s.target.LR()
	if s.lastStep == 0 || s.lastStep%s.stepSize != 0 {
		return cur
	}
	return cur * s.gamma
}

// ExponentialLR decays the rate by gamma on every step inside the
// window.
type ExponentialLR struct {
	base
	gamma float64
}

// NewExponentialLR creates an ExponentialLR.
func NewExponentialLR(target optim.LRTarget, gamma float64, begin, end int, byEpoch bool) (*ExponentialLR, error) {
	if gamma <= 0 {
		return nil, fmt.Errorf("gamma must be positive, got %v", gamma)
	}
	b, err := newBase(target, begin, end, byEpoch)
	if err != nil {
		return nil, err
	}
	s := &ExponentialLR{base: b, gamma: gamma}
	s.init(s.value)
	return s, nil
}

func (s *ExponentialLR) value() float64 {
	if s.lastStep == 0 {
		return s.baseValue
	}
	return s.target.LR() * s.gamma
}
