// Package scheduler implements parameter schedulers that adjust a
// learning rate over a [begin, end) window of steps.
//
// A scheduler counts every Step call in a global counter but only takes
// effect while begin <= globalStep < end; inside the window it advances
// its local lastStep counter and rewrites the learning rate. Several
// schedulers may drive the same optimizer, each active in its own
// window, applied in registration order. Construction performs one
// initial Step so the rate is correct before the first iteration.
package scheduler

import (
	"fmt"
	"math"

	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
)

// InfiniteEnd marks a window with no configured end.
const InfiniteEnd = math.MaxInt

// Scheduler adjusts one parameter of an optimizer per step.
type Scheduler interface {
	// Step advances the global counter and, inside the window, applies
	// the next value.
	Step()
	// ByEpoch reports whether Step is driven per epoch rather than per
	// iteration.
	ByEpoch() bool
	StateDict() map[string]any
	LoadStateDict(sd map[string]any) error
}

type base struct {
	target     optim.LRTarget
	begin, end int
	byEpoch    bool
	lastStep   int
	globalStep int
	baseValue  float64
	next       func() float64
}

func newBase(target optim.LRTarget, begin, end int, byEpoch bool) (base, error) {
	if target == nil {
		return base{}, fmt.Errorf("scheduler requires an optimizer target")
	}
	if end <= begin {
		return base{}, fmt.Errorf("scheduler window is empty: end (%d) must exceed begin (%d)", end, begin)
	}
	return base{
		target:     target,
		begin:      begin,
		end:        end,
		byEpoch:    byEpoch,
		lastStep:   -1,
		globalStep: -1,
		baseValue:  target.LR(),
	}, nil
}

// init performs the construction-time Step once the concrete type has
// installed its value function.
func (b *base) init(next func() float64) {
	b.next = next
	b.Step()
}

// Step implements Scheduler.
func (b *base) Step() {
	b.globalStep++
	if b.globalStep < b.begin || b.globalStep >= b.end {
		return
	}
	b.lastStep++
	b.target.SetLR(b.next())
}

// ByEpoch implements Scheduler.
func (b *base) ByEpoch() bool { return b.byEpoch }

// StateDict implements Scheduler.
func (b *base) StateDict() map[string]any {
	return map[string]any{
		"last_step":   b.lastStep,
		"global_step": b.globalStep,
		"base_value":  b.baseValue,
	}
}

// LoadStateDict implements Scheduler.
func (b *base) LoadStateDict(sd map[string]any) error {
	last, ok, err := registry.IntArg(sd, "last_step")
	if err != nil || !ok {
		return fmt.Errorf("scheduler state missing last_step")
	}
	global, ok, err := registry.IntArg(sd, "global_step")
	if err != nil || !ok {
		return fmt.Errorf("scheduler state missing global_step")
	}
	b.lastStep = last
	b.globalStep = global
	if v, ok, err := registry.FloatArg(sd, "base_value"); err == nil && ok {
		b.baseValue = v
	}
	return nil
}
