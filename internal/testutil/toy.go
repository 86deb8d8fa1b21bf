// Package testutil provides the toy model, dataset and metric used by
// training tests: a one-parameter linear regressor small enough to
// verify loop mechanics and checkpoints exactly.
package testutil

import (
	"fmt"

	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/evaluator"
	"github.com/vk/trainergo/internal/hook"
	"github.com/vk/trainergo/internal/model"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/visual"
)

// Sample is one (input, target) pair.
type Sample struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

// ToyModel predicts W*X with squared loss. It satisfies every optional
// model capability so tests can exercise them.
type ToyModel struct {
	W     float64
	initW float64
	steps int
}

// NewToyModel creates a toy model whose InitWeights resets W to initW.
func NewToyModel(initW float64) *ToyModel {
	return &ToyModel{W: initW, initW: initW}
}

// Steps returns how many TrainStep calls ran.
func (m *ToyModel) Steps() int { return m.steps }

// TrainStep implements model.Model over a batch of Samples.
func (m *ToyModel) TrainStep(batch any, ow optim.Wrapper) (map[string]float64, error) {
	updater, ok := ow.(optim.ParamUpdater)
	if !ok {
		return nil, fmt.Errorf("optimizer wrapper %T cannot update parameters", ow)
	}
	samples, err := toSamples(batch)
	if err != nil {
		return nil, err
	}
	var loss, grad float64
	for _, s := range samples {
		diff := m.W*s.X - s.Y
		loss += diff * diff
		grad += 2 * diff * s.X
	}
	n := float64(len(samples))
	loss /= n
	grad /= n
	if err := updater.UpdateParams(map[string]float64{"w": grad}); err != nil {
		return nil, err
	}
	m.steps++
	return map[string]float64{"loss": loss}, nil
}

// ValStep implements model.Model, returning one prediction per sample.
func (m *ToyModel) ValStep(batch any) (any, error) {
	samples, err := toSamples(batch)
	if err != nil {
		return nil, err
	}
	preds := make([]float64, len(samples))
	for i, s := range samples {
		preds[i] = m.W * s.X
	}
	return preds, nil
}

// TestStep implements model.Model.
func (m *ToyModel) TestStep(batch any) (any, error) { return m.ValStep(batch) }

// InitWeights implements model.WeightsInitializer.
func (m *ToyModel) InitWeights() error {
	m.W = m.initW
	return nil
}

// Parameters implements model.Parameterized.
func (m *ToyModel) Parameters() map[string]*float64 {
	return map[string]*float64{"w": &m.W}
}

// StateDict implements model.Stateful.
func (m *ToyModel) StateDict() map[string]any {
	return map[string]any{"w": m.W}
}

// LoadStateDict implements model.Stateful.
func (m *ToyModel) LoadStateDict(sd map[string]any) error {
	w, ok := sd["w"].(float64)
	if !ok {
		return fmt.Errorf("toy model state missing w")
	}
	m.W = w
	return nil
}

func toSamples(batch any) ([]Sample, error) {
	b, ok := batch.(dataload.Batch)
	if !ok {
		return nil, fmt.Errorf("unexpected batch %T", batch)
	}
	out := make([]Sample, len(b))
	for i, raw := range b {
		s, ok := raw.(Sample)
		if !ok {
			return nil, fmt.Errorf("unexpected sample %T", raw)
		}
		out[i] = s
	}
	return out, nil
}

// MAEMetric accumulates mean absolute error between predictions and
// targets.
type MAEMetric struct {
	sum float64
	n   int
}

// Name implements evaluator.Metric.
func (m *MAEMetric) Name() string { return "toy" }

// Process implements evaluator.Metric.
func (m *MAEMetric) Process(batch any, preds any) error {
	samples, err := toSamples(batch)
	if err != nil {
		return err
	}
	p, ok := preds.([]float64)
	if !ok || len(p) != len(samples) {
		return fmt.Errorf("predictions do not match batch: %T", preds)
	}
	for i, s := range samples {
		d := p[i] - s.Y
		if d < 0 {
			d = -d
		}
		m.sum += d
		m.n++
	}
	return nil
}

// Compute implements evaluator.Metric.
func (m *MAEMetric) Compute(size int) (map[string]float64, error) {
	if m.n == 0 {
		return nil, fmt.Errorf("no samples processed")
	}
	out := map[string]float64{"mae": m.sum / float64(m.n)}
	m.sum, m.n = 0, 0
	return out, nil
}

// LineSamples returns n samples on the line y = slope*x.
func LineSamples(n int, slope float64) []any {
	out := make([]any, n)
	for i := range out {
		x := float64(i + 1)
		out[i] = Sample{X: x, Y: slope * x}
	}
	return out
}

// NewSet builds a registry set with every built-in module plus the toy
// types installed.
func NewSet() *registry.Set {
	set := registry.NewSet()
	set.Install(optim.Module, scheduler.Module, dataload.Module, hook.Module, visual.Module)

	set.Kind(registry.KindModel).Register("ToyModel", func(args map[string]any) (any, error) {
		w, _, err := registry.FloatArg(args, "init_w")
		if err != nil {
			return nil, err
		}
		return NewToyModel(w), nil
	})
	set.Kind(registry.KindMetric).Register("MAEMetric", func(args map[string]any) (any, error) {
		return &MAEMetric{}, nil
	})
	return set
}

var _ model.Model = (*ToyModel)(nil)
var _ model.Stateful = (*ToyModel)(nil)
var _ evaluator.Metric = (*MAEMetric)(nil)
