// Package optim holds the optimizer capability contract and the wrapper
// layer the training loop drives. Numerical optimizers beyond the SGD
// reference implementation are external collaborators registered by the
// embedding project.
package optim

import (
	"fmt"
	"sort"

	"github.com/vk/trainergo/internal/registry"
)

// Optimizer updates bound parameters from gradients.
type Optimizer interface {
	// Bind attaches the parameter storage the optimizer updates in
	// place. Called once by the strategy after the model is built.
	Bind(params map[string]*float64)
	// Step applies one update from the given gradients.
	Step(grads map[string]float64) error
	LR() float64
	SetLR(lr float64)
	StateDict() map[string]any
	LoadStateDict(sd map[string]any) error
}

// SGD is the reference optimizer: plain gradient descent with optional
// momentum.
type SGD struct {
	lr       float64
	momentum float64
	params   map[string]*float64
	velocity map[string]float64
}

// NewSGD creates an unbound SGD optimizer.
func NewSGD(lr, momentum float64) *SGD {
	return &SGD{lr: lr, momentum: momentum, velocity: map[string]float64{}}
}

func sgdCtor(args map[string]any) (any, error) {
	lr, ok, err := registry.FloatArg(args, "lr")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: optimizer SGD requires lr", registry.ErrBadSpec)
	}
	momentum, _, err := registry.FloatArg(args, "momentum")
	if err != nil {
		return nil, err
	}
	return NewSGD(lr, momentum), nil
}

// Bind implements Optimizer.
func (o *SGD) Bind(params map[string]*float64) { o.params = params }

// Step implements Optimizer.
func (o *SGD) Step(grads map[string]float64) error {
	if o.params == nil {
		return fmt.Errorf("optimizer has no bound parameters")
	}
	// Deterministic order keeps runs reproducible.
	names := make([]string, 0, len(grads))
	for name := range grads {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := o.params[name]
		if !ok {
			return fmt.Errorf("gradient for unknown parameter %q", name)
		}
		g := grads[name]
		if o.momentum != 0 {
			v := o.velocity[name]*o.momentum + g
			o.velocity[name] = v
			g = v
		}
		*p -= o.lr * g
	}
	return nil
}

// LR implements Optimizer.
func (o *SGD) LR() float64 { return o.lr }

// SetLR implements Optimizer.
func (o *SGD) SetLR(lr float64) { o.lr = lr }

// StateDict implements Optimizer.
func (o *SGD) StateDict() map[string]any {
	vel := make(map[string]any, len(o.velocity))
	for k, v := range o.velocity {
		vel[k] = v
	}
	return map[string]any{
		"lr":       o.lr,
		"momentum": o.momentum,
		"velocity": vel,
	}
}

// LoadStateDict implements Optimizer.
func (o *SGD) LoadStateDict(sd map[string]any) error {
	lr, ok, err := registry.FloatArg(sd, "lr")
	if err != nil || !ok {
		return fmt.Errorf("optimizer state missing lr")
	}
	o.lr = lr
	if m, ok, err := registry.FloatArg(sd, "momentum"); err == nil && ok {
		o.momentum = m
	}
	if raw, ok := sd["velocity"].(map[string]any); ok {
		o.velocity = make(map[string]float64, len(raw))
		for k, v := range raw {
			f, _, err := registry.FloatArg(map[string]any{"v": v}, "v")
			if err != nil {
				return fmt.Errorf("optimizer state has non-numeric velocity for %q", k)
			}
			o.velocity[k] = f
		}
	}
	return nil
}
