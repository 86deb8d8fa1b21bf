// Package evaluator aggregates metrics over a validation or test pass.
// Metric implementations accumulate per-batch results; the evaluator
// composes them and produces one flat score map per pass.
package evaluator

import (
	"fmt"

	"github.com/vk/trainergo/internal/registry"
)

// Metric accumulates results batch by batch and computes scores over
// the whole pass.
type Metric interface {
	// Name prefixes the metric's scores in the combined result.
	Name() string
	// Process records one batch and the model's predictions for it.
	Process(batch any, preds any) error
	// Compute returns the scores over size processed samples and
	// resets the accumulator for the next pass.
	Compute(size int) (map[string]float64, error)
}

// Evaluator runs a set of metrics over one pass.
type Evaluator struct {
	metrics []Metric
}

// New composes metrics into an evaluator.
func New(metrics ...Metric) *Evaluator {
	return &Evaluator{metrics: metrics}
}

// Process feeds one batch to every metric.
func (e *Evaluator) Process(batch any, preds any) error {
	for _, m := range e.metrics {
		if err := m.Process(batch, preds); err != nil {
			return fmt.Errorf("metric %q failed to process batch: %w", m.Name(), err)
		}
	}
	return nil
}

// Evaluate computes all scores, keyed metricName/scoreName. Duplicate
// keys across metrics are rejected.
func (e *Evaluator) Evaluate(size int) (map[string]float64, error) {
	out := map[string]float64{}
	for _, m := range e.metrics {
		scores, err := m.Compute(size)
		if err != nil {
			return nil, fmt.Errorf("metric %q failed to compute: %w", m.Name(), err)
		}
		for k, v := range scores {
			key := m.Name() + "/" + k
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("duplicate metric key %q", key)
			}
			out[key] = v
		}
	}
	return out, nil
}

// Build constructs an evaluator from a spec: a single metric mapping, a
// list of metric mappings, or a pre-built evaluator or metric.
func Build(set *registry.Set, spec any) (*Evaluator, error) {
	switch t := spec.(type) {
	case *Evaluator:
		return t, nil
	case Metric:
		return New(t), nil
	case []any:
		metrics := make([]Metric, 0, len(t))
		for _, item := range t {
			m, err := buildMetric(set, item)
			if err != nil {
				return nil, err
			}
			metrics = append(metrics, m)
		}
		return New(metrics...), nil
	case map[string]any:
		m, err := buildMetric(set, t)
		if err != nil {
			return nil, err
		}
		return New(m), nil
	default:
		return nil, fmt.Errorf("%w: evaluator spec must be a metric mapping or list, got %T", registry.ErrBadSpec, spec)
	}
}

func buildMetric(set *registry.Set, spec any) (Metric, error) {
	if m, ok := spec.(Metric); ok {
		return m, nil
	}
	built, err := set.Kind(registry.KindMetric).Build(spec, nil)
	if err != nil {
		return nil, err
	}
	m, ok := built.(Metric)
	if !ok {
		return nil, fmt.Errorf("metric spec built a %T, want a metric", built)
	}
	return m, nil
}
