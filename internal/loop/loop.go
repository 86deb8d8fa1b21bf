// Package loop implements the execution loops of a run: epoch-based
// and iteration-based training, and the single-pass validation and
// test loops. Loops own the progress counters; hooks observe every
// stage boundary.
//
// Counter convention: Epoch() and Iter() count completed units. Both
// are incremented before the corresponding "after" hooks fire, so a
// checkpoint written from an after-epoch hook already reflects the
// finished epoch.
package loop

import (
	"context"

	"github.com/vk/trainergo/internal/hook"
	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/optim"
)

// Loop is one runnable phase of a run.
type Loop interface {
	Run(ctx context.Context) error
}

// TrainLoop extends Loop with resumable progress.
type TrainLoop interface {
	Loop
	Epoch() int
	Iter() int
	MaxEpochs() int
	MaxIters() int
	// SetProgress restores counters from a checkpoint.
	SetProgress(epoch, iter int)
	// SetValidator installs the validation trigger.
	SetValidator(v Loop)
}

// Deps carries what every loop needs from the runner.
type Deps struct {
	Hooks *hook.List
	// View is the runner surface handed to hooks.
	View  hook.Runner
	Model model.Model
	Optim optim.Wrapper
}

// Milestone switches the validation interval once progress reaches
// Begin.
type Milestone struct {
	Begin    int
	Interval int
}

// TrainConfig configures a training loop.
type TrainConfig struct {
	// MaxEpochs bounds epoch-based training.
	MaxEpochs int
	// MaxIters bounds iteration-based training.
	MaxIters int
	// ValBegin is the first epoch (or iteration) eligible for
	// validation.
	ValBegin int
	// ValInterval is the validation period in epochs (or iterations).
	ValInterval int
	// DynamicIntervals adjusts ValInterval as training progresses.
	DynamicIntervals []Milestone
}

// intervalAt resolves the validation interval in effect at progress.
func (c TrainConfig) intervalAt(progress int) int {
	interval := c.ValInterval
	for _, m := range c.DynamicIntervals {
		if progress >= m.Begin {
			interval = m.Interval
		}
	}
	return interval
}
