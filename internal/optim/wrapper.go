package optim

import (
	"fmt"
	"sort"

	"github.com/vk/trainergo/internal/registry"
)

// LRTarget is the surface parameter schedulers drive.
type LRTarget interface {
	LR() float64
	SetLR(lr float64)
}

// Wrapper is the optimizer surface loops and strategies hold: either a
// single OptimWrapper or an OptimWrapperDict.
type Wrapper interface {
	StateDict() map[string]any
	LoadStateDict(sd map[string]any) error
}

// ParamUpdater is the surface a model's TrainStep drives. Distributed
// model wrappers interpose on it to synchronize gradients.
type ParamUpdater interface {
	UpdateParams(grads map[string]float64) error
}

// OptimWrapper drives one optimizer, with optional gradient
// accumulation across iterations.
type OptimWrapper struct {
	optimizer          Optimizer
	accumulativeCounts int
	innerCount         int
	pending            map[string]float64
}

// NewOptimWrapper wraps optimizer. accumulativeCounts <= 1 updates on
// every call.
func NewOptimWrapper(optimizer Optimizer, accumulativeCounts int) *OptimWrapper {
	if accumulativeCounts < 1 {
		accumulativeCounts = 1
	}
	return &OptimWrapper{
		optimizer:          optimizer,
		accumulativeCounts: accumulativeCounts,
		pending:            map[string]float64{},
	}
}

// UpdateParams accumulates grads and steps the optimizer once every
// accumulativeCounts calls. The loss value is recorded by the caller;
// the wrapper only needs the gradients.
func (w *OptimWrapper) UpdateParams(grads map[string]float64) error {
	scale := 1 / float64(w.accumulativeCounts)
	for name, g := range grads {
		w.pending[name] += g * scale
	}
	w.innerCount++
	if w.innerCount%w.accumulativeCounts != 0 {
		return nil
	}
	if err := w.optimizer.Step(w.pending); err != nil {
		return err
	}
	w.pending = map[string]float64{}
	return nil
}

// Optimizer returns the wrapped optimizer.
func (w *OptimWrapper) Optimizer() Optimizer { return w.optimizer }

// LR implements LRTarget.
func (w *OptimWrapper) LR() float64 { return w.optimizer.LR() }

// SetLR implements LRTarget.
func (w *OptimWrapper) SetLR(lr float64) { w.optimizer.SetLR(lr) }

// StateDict implements Wrapper.
func (w *OptimWrapper) StateDict() map[string]any {
	return map[string]any{
		"optimizer":   w.optimizer.StateDict(),
		"inner_count": w.innerCount,
	}
}

// LoadStateDict implements Wrapper.
func (w *OptimWrapper) LoadStateDict(sd map[string]any) error {
	inner, ok := sd["optimizer"].(map[string]any)
	if !ok {
		return fmt.Errorf("optimizer wrapper state missing optimizer entry")
	}
	if err := w.optimizer.LoadStateDict(inner); err != nil {
		return err
	}
	if n, ok, err := registry.IntArg(sd, "inner_count"); err == nil && ok {
		w.innerCount = n
	}
	return nil
}

// OptimWrapperDict holds named wrappers for models trained with several
// optimizers (one per submodule).
type OptimWrapperDict struct {
	wrappers map[string]*OptimWrapper
}

// NewOptimWrapperDict builds a dict from pre-built wrappers.
func NewOptimWrapperDict(wrappers map[string]*OptimWrapper) *OptimWrapperDict {
	return &OptimWrapperDict{wrappers: wrappers}
}

// Get returns the wrapper registered under name.
func (d *OptimWrapperDict) Get(name string) (*OptimWrapper, bool) {
	w, ok := d.wrappers[name]
	return w, ok
}

// Names lists wrapper keys in sorted order.
func (d *OptimWrapperDict) Names() []string {
	names := make([]string, 0, len(d.wrappers))
	for name := range d.wrappers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateDict implements Wrapper: one nested state per name.
func (d *OptimWrapperDict) StateDict() map[string]any {
	out := make(map[string]any, len(d.wrappers))
	for name, w := range d.wrappers {
		out[name] = w.StateDict()
	}
	return out
}

// LoadStateDict implements Wrapper.
func (d *OptimWrapperDict) LoadStateDict(sd map[string]any) error {
	for name, w := range d.wrappers {
		inner, ok := sd[name].(map[string]any)
		if !ok {
			return fmt.Errorf("optimizer wrapper dict state missing key %q", name)
		}
		if err := w.LoadStateDict(inner); err != nil {
			return fmt.Errorf("failed to restore optimizer wrapper %q: %w", name, err)
		}
	}
	return nil
}
