// Package hook defines the extension points of a training run. Hooks
// observe and act at fixed stages (run, epoch, iteration, checkpoint
// boundaries) and are ordered by priority; within one priority they run
// in registration order. A hook error aborts the run.
package hook

import (
	"context"
	"fmt"

	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/msghub"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/visual"
)

// Priority orders hook execution. Lower values run earlier.
type Priority int

const (
	PriorityHighest     Priority = 0
	PriorityVeryHigh    Priority = 10
	PriorityHigh        Priority = 30
	PriorityAboveNormal Priority = 40
	PriorityNormal      Priority = 50
	PriorityBelowNormal Priority = 60
	PriorityLow         Priority = 70
	PriorityVeryLow     Priority = 90
	PriorityLowest      Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "HIGHEST"
	case PriorityVeryHigh:
		return "VERY_HIGH"
	case PriorityHigh:
		return "HIGH"
	case PriorityAboveNormal:
		return "ABOVE_NORMAL"
	case PriorityNormal:
		return "NORMAL"
	case PriorityBelowNormal:
		return "BELOW_NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityVeryLow:
		return "VERY_LOW"
	case PriorityLowest:
		return "LOWEST"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ParsePriority resolves a named or numeric priority value from a hook
// spec.
func ParsePriority(v any) (Priority, error) {
	switch t := v.(type) {
	case string:
		for _, p := range []Priority{
			PriorityHighest, PriorityVeryHigh, PriorityHigh, PriorityAboveNormal,
			PriorityNormal, PriorityBelowNormal, PriorityLow, PriorityVeryLow,
			PriorityLowest,
		} {
			if p.String() == t {
				return p, nil
			}
		}
		return 0, fmt.Errorf("unknown priority %q", t)
	case int:
		return Priority(t), nil
	case int64:
		return Priority(t), nil
	case float64:
		return Priority(t), nil
	default:
		return 0, fmt.Errorf("priority must be a name or number, got %T", v)
	}
}

// Runner is the view of the running trainer that hooks act on.
type Runner interface {
	Hub() *msghub.Hub
	Visualizer() *visual.Visualizer

	Epoch() int
	Iter() int
	MaxEpochs() int
	MaxIters() int

	TrainLoader() dataload.Loader
	OptimWrapper() optim.Wrapper
	Schedulers() map[string][]scheduler.Scheduler

	WorkDir() string
	Rank() int
	// SaveCheckpoint persists the current training state under the
	// run's naming convention and returns the written path.
	SaveCheckpoint(ctx context.Context) (string, error)
}

// Hook observes the stages of a run. Every method may veto by
// returning an error.
type Hook interface {
	Name() string

	BeforeRun(ctx context.Context, r Runner) error
	AfterRun(ctx context.Context, r Runner) error

	BeforeTrain(ctx context.Context, r Runner) error
	AfterTrain(ctx context.Context, r Runner) error

	BeforeTrainEpoch(ctx context.Context, r Runner) error
	AfterTrainEpoch(ctx context.Context, r Runner) error
	BeforeTrainIter(ctx context.Context, r Runner, batchIdx int, batch any) error
	AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error

	BeforeValEpoch(ctx context.Context, r Runner) error
	AfterValEpoch(ctx context.Context, r Runner, metrics map[string]float64) error
	BeforeValIter(ctx context.Context, r Runner, batchIdx int, batch any) error
	AfterValIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs any) error

	BeforeTestEpoch(ctx context.Context, r Runner) error
	AfterTestEpoch(ctx context.Context, r Runner, metrics map[string]float64) error
	BeforeTestIter(ctx context.Context, r Runner, batchIdx int, batch any) error
	AfterTestIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs any) error

	BeforeSaveCheckpoint(ctx context.Context, r Runner, ckpt map[string]any) error
	AfterLoadCheckpoint(ctx context.Context, r Runner, ckpt map[string]any) error
}

// DefaultPrioritized is implemented by hooks that place themselves
// somewhere other than PriorityNormal when registered without an
// explicit priority.
type DefaultPrioritized interface {
	DefaultPriority() Priority
}

// Base is the no-op implementation concrete hooks embed, overriding
// only the stages they care about.
type Base struct{}

func (Base) BeforeRun(context.Context, Runner) error   { return nil }
func (Base) AfterRun(context.Context, Runner) error    { return nil }
func (Base) BeforeTrain(context.Context, Runner) error { return nil }
func (Base) AfterTrain(context.Context, Runner) error  { return nil }

func (Base) BeforeTrainEpoch(context.Context, Runner) error { return nil }
func (Base) AfterTrainEpoch(context.Context, Runner) error  { return nil }
func (Base) BeforeTrainIter(context.Context, Runner, int, any) error {
	return nil
}
func (Base) AfterTrainIter(context.Context, Runner, int, any, map[string]float64) error {
	return nil
}

func (Base) BeforeValEpoch(context.Context, Runner) error                   { return nil }
func (Base) AfterValEpoch(context.Context, Runner, map[string]float64) error { return nil }
func (Base) BeforeValIter(context.Context, Runner, int, any) error          { return nil }
func (Base) AfterValIter(context.Context, Runner, int, any, any) error      { return nil }

func (Base) BeforeTestEpoch(context.Context, Runner) error                   { return nil }
func (Base) AfterTestEpoch(context.Context, Runner, map[string]float64) error { return nil }
func (Base) BeforeTestIter(context.Context, Runner, int, any) error          { return nil }
func (Base) AfterTestIter(context.Context, Runner, int, any, any) error      { return nil }

func (Base) BeforeSaveCheckpoint(context.Context, Runner, map[string]any) error { return nil }
func (Base) AfterLoadCheckpoint(context.Context, Runner, map[string]any) error  { return nil }
