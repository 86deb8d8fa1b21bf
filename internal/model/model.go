// Package model defines the contracts a trainable model must satisfy.
// The numerical core (layers, autograd) lives in the embedding project;
// the orchestrator only drives the step surface defined here.
package model

import "github.com/vk/trainergo/internal/optim"

// Model is the minimal trainable surface.
type Model interface {
	// TrainStep runs forward/backward on one batch and drives the
	// optimizer wrapper. It returns the scalar log values of the step
	// (at least "loss").
	TrainStep(batch any, ow optim.Wrapper) (map[string]float64, error)
	// ValStep runs inference on one batch and returns predictions for
	// the evaluator.
	ValStep(batch any) (any, error)
	// TestStep runs inference for the test loop. Implementations
	// commonly delegate to ValStep.
	TestStep(batch any) (any, error)
}

// WeightsInitializer is implemented by models with a distinct weight
// initialization phase, run once before training.
type WeightsInitializer interface {
	InitWeights() error
}

// Stateful is implemented by models whose weights are checkpointed.
type Stateful interface {
	StateDict() map[string]any
	LoadStateDict(sd map[string]any) error
}

// Parameterized exposes parameter storage for optimizer binding and
// gradient synchronization.
type Parameterized interface {
	Parameters() map[string]*float64
}

// Wrapper marks distributed model wrappers so consumers can reach the
// inner model.
type Wrapper interface {
	Model
	Inner() Model
}

// IsWrapper reports whether m is a distributed wrapper.
func IsWrapper(m Model) bool {
	_, ok := m.(Wrapper)
	return ok
}

// Unwrap returns the innermost model.
func Unwrap(m Model) Model {
	for {
		w, ok := m.(Wrapper)
		if !ok {
			return m
		}
		m = w.Inner()
	}
}
