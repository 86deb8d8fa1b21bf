package hook

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type entry struct {
	hook     Hook
	priority Priority
}

// List holds registered hooks in execution order.
type List struct {
	entries []entry
}

// Register inserts h using its default priority (PriorityNormal unless
// the hook declares otherwise).
func (l *List) Register(h Hook) {
	p := PriorityNormal
	if dp, ok := h.(DefaultPrioritized); ok {
		p = dp.DefaultPriority()
	}
	l.RegisterWithPriority(h, p)
}

// RegisterWithPriority inserts h at an explicit priority. Insertion
// scans from the tail so hooks of equal priority keep registration
// order.
func (l *List) RegisterWithPriority(h Hook, p Priority) {
	e := entry{hook: h, priority: p}
	pos := len(l.entries)
	for pos > 0 && l.entries[pos-1].priority > p {
		pos--
	}
	l.entries = append(l.entries, entry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = e
}

// Hooks returns the hooks in execution order.
func (l *List) Hooks() []Hook {
	out := make([]Hook, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.hook
	}
	return out
}

// Info renders the registered hooks grouped by stage order, one line
// per hook, for the startup log.
func (l *List) Info() string {
	var b strings.Builder
	b.WriteString("registered hooks:\n")
	for _, e := range l.entries {
		fmt.Fprintf(&b, "(%s) %s\n", e.priority, e.hook.Name())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *List) each(stage string, fn func(Hook) error) error {
	for _, e := range l.entries {
		if err := fn(e.hook); err != nil {
			return errors.Wrapf(err, "hook %q failed at %s", e.hook.Name(), stage)
		}
	}
	return nil
}

func (l *List) BeforeRun(ctx context.Context, r Runner) error {
	return l.each("before_run", func(h Hook) error { return h.BeforeRun(ctx, r) })
}

func (l *List) AfterRun(ctx context.Context, r Runner) error {
	return l.each("after_run", func(h Hook) error { return h.AfterRun(ctx, r) })
}

func (l *List) BeforeTrain(ctx context.Context, r Runner) error {
	return l.each("before_train", func(h Hook) error { return h.BeforeTrain(ctx, r) })
}

func (l *List) AfterTrain(ctx context.Context, r Runner) error {
	return l.each("after_train", func(h Hook) error { return h.AfterTrain(ctx, r) })
}

func (l *List) BeforeTrainEpoch(ctx context.Context, r Runner) error {
	return l.each("before_train_epoch", func(h Hook) error { return h.BeforeTrainEpoch(ctx, r) })
}

func (l *List) AfterTrainEpoch(ctx context.Context, r Runner) error {
	return l.each("after_train_epoch", func(h Hook) error { return h.AfterTrainEpoch(ctx, r) })
}

func (l *List) BeforeTrainIter(ctx context.Context, r Runner, batchIdx int, batch any) error {
	return l.each("before_train_iter", func(h Hook) error { return h.BeforeTrainIter(ctx, r, batchIdx, batch) })
}

func (l *List) AfterTrainIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs map[string]float64) error {
	return l.each("after_train_iter", func(h Hook) error {
		return h.AfterTrainIter(ctx, r, batchIdx, batch, outputs)
	})
}

func (l *List) BeforeValEpoch(ctx context.Context, r Runner) error {
	return l.each("before_val_epoch", func(h Hook) error { return h.BeforeValEpoch(ctx, r) })
}

func (l *List) AfterValEpoch(ctx context.Context, r Runner, metrics map[string]float64) error {
	return l.each("after_val_epoch", func(h Hook) error { return h.AfterValEpoch(ctx, r, metrics) })
}

func (l *List) BeforeValIter(ctx context.Context, r Runner, batchIdx int, batch any) error {
	return l.each("before_val_iter", func(h Hook) error { return h.BeforeValIter(ctx, r, batchIdx, batch) })
}

func (l *List) AfterValIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs any) error {
	return l.each("after_val_iter", func(h Hook) error { return h.AfterValIter(ctx, r, batchIdx, batch, outputs) })
}

func (l *List) BeforeTestEpoch(ctx context.Context, r Runner) error {
	return l.each("before_test_epoch", func(h Hook) error { return h.BeforeTestEpoch(ctx, r) })
}

func (l *List) AfterTestEpoch(ctx context.Context, r Runner, metrics map[string]float64) error {
	return l.each("after_test_epoch", func(h Hook) error { return h.AfterTestEpoch(ctx, r, metrics) })
}

func (l *List) BeforeTestIter(ctx context.Context, r Runner, batchIdx int, batch any) error {
	return l.each("before_test_iter", func(h Hook) error { return h.BeforeTestIter(ctx, r, batchIdx, batch) })
}

func (l *List) AfterTestIter(ctx context.Context, r Runner, batchIdx int, batch any, outputs any) error {
	return l.each("after_test_iter", func(h Hook) error { return h.AfterTestIter(ctx, r, batchIdx, batch, outputs) })
}

func (l *List) BeforeSaveCheckpoint(ctx context.Context, r Runner, ckpt map[string]any) error {
	return l.each("before_save_checkpoint", func(h Hook) error { return h.BeforeSaveCheckpoint(ctx, r, ckpt) })
}

func (l *List) AfterLoadCheckpoint(ctx context.Context, r Runner, ckpt map[string]any) error {
	return l.each("after_load_checkpoint", func(h Hook) error { return h.AfterLoadCheckpoint(ctx, r, ckpt) })
}
