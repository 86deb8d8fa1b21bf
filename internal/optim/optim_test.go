package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/trainergo/internal/registry"
)

func newSet(t *testing.T) *registry.Set {
	t.Helper()
	set := registry.NewSet()
	set.Install(Module)
	return set
}

func boundSGD(t *testing.T, lr, momentum float64, w *float64) *SGD {
	t.Helper()
	o := NewSGD(lr, momentum)
	o.Bind(map[string]*float64{"w": w})
	return o
}

func TestSGDStep(t *testing.T) {
	w := 1.0
	o := boundSGD(t, 0.1, 0, &w)
	require.NoError(t, o.Step(map[string]float64{"w": 2}))
	assert.InDelta(t, 0.8, w, 1e-9)
}

func TestSGDMomentum(t *testing.T) {
	w := 0.0
	o := boundSGD(t, 1, 0.5, &w)
	require.NoError(t, o.Step(map[string]float64{"w": 1}))
	assert.InDelta(t, -1.0, w, 1e-9)
	// velocity = 0.5*1 + 1 = 1.5
	require.NoError(t, o.Step(map[string]float64{"w": 1}))
	assert.InDelta(t, -2.5, w, 1e-9)
}

func TestSGDUnboundOrUnknownParam(t *testing.T) {
	o := NewSGD(0.1, 0)
	require.Error(t, o.Step(map[string]float64{"w": 1}))

	w := 0.0
	o.Bind(map[string]*float64{"w": &w})
	require.Error(t, o.Step(map[string]float64{"b": 1}))
}

func TestSGDStateRoundTrip(t *testing.T) {
	w := 0.0
	o := boundSGD(t, 1, 0.9, &w)
	require.NoError(t, o.Step(map[string]float64{"w": 1}))
	o.SetLR(0.25)

	restored := NewSGD(0, 0)
	require.NoError(t, restored.LoadStateDict(o.StateDict()))
	assert.Equal(t, 0.25, restored.LR())

	v := 0.0
	restored.Bind(map[string]*float64{"w": &v})
	require.NoError(t, restored.Step(map[string]float64{"w": 1}))
	// velocity restored to 1, so step uses 0.9*1 + 1 = 1.9 at lr 0.25.
	assert.InDelta(t, -0.475, v, 1e-9)
}

func TestWrapperAccumulation(t *testing.T) {
	w := 0.0
	ow := NewOptimWrapper(boundSGD(t, 1, 0, &w), 2)

	require.NoError(t, ow.UpdateParams(map[string]float64{"w": 2}))
	assert.Equal(t, 0.0, w, "no step before the accumulation window closes")

	require.NoError(t, ow.UpdateParams(map[string]float64{"w": 4}))
	// Mean gradient 3 applied once.
	assert.InDelta(t, -3.0, w, 1e-9)
}

func TestWrapperLRDelegation(t *testing.T) {
	w := 0.0
	ow := NewOptimWrapper(boundSGD(t, 0.1, 0, &w), 1)
	assert.Equal(t, 0.1, ow.LR())
	ow.SetLR(0.01)
	assert.Equal(t, 0.01, ow.Optimizer().LR())
}

func TestBuildWrapperFromSpec(t *testing.T) {
	set := newSet(t)
	built, err := BuildWrapper(set, map[string]any{
		"optimizer":           map[string]any{"type": "SGD", "lr": 0.1},
		"accumulative_counts": 2,
	})
	require.NoError(t, err)
	ow, ok := built.(*OptimWrapper)
	require.True(t, ok)
	assert.Equal(t, 0.1, ow.LR())
}

func TestBuildWrapperPassThrough(t *testing.T) {
	set := newSet(t)
	pre := NewOptimWrapper(NewSGD(0.1, 0), 1)
	built, err := BuildWrapper(set, pre)
	require.NoError(t, err)
	assert.Same(t, pre, built)
}

func TestBuildWrapperDict(t *testing.T) {
	set := newSet(t)
	gen := NewOptimWrapper(NewSGD(0.1, 0), 1)
	disc := NewOptimWrapper(NewSGD(0.2, 0), 1)

	built, err := BuildWrapper(set, map[string]any{
		"generator":     gen,
		"discriminator": disc,
	})
	require.NoError(t, err)
	dict, ok := built.(*OptimWrapperDict)
	require.True(t, ok)
	assert.Equal(t, []string{"discriminator", "generator"}, dict.Names())

	got, ok := dict.Get("generator")
	require.True(t, ok)
	assert.Same(t, gen, got)
}

func TestBuildWrapperDictRejectsSpecValues(t *testing.T) {
	set := newSet(t)
	_, err := BuildWrapper(set, map[string]any{
		"generator":     NewOptimWrapper(NewSGD(0.1, 0), 1),
		"discriminator": map[string]any{"optimizer": map[string]any{"type": "SGD", "lr": 0.1}},
	})
	require.ErrorIs(t, err, registry.ErrBadSpec)
	assert.Contains(t, err.Error(), "discriminator")
}

func TestBuildWrapperMissingLR(t *testing.T) {
	set := newSet(t)
	_, err := BuildWrapper(set, map[string]any{
		"optimizer": map[string]any{"type": "SGD"},
	})
	require.ErrorIs(t, err, registry.ErrBadSpec)
}

func TestWrapperDictStateRoundTrip(t *testing.T) {
	w1, w2 := 0.0, 0.0
	dict := NewOptimWrapperDict(map[string]*OptimWrapper{
		"a": NewOptimWrapper(boundSGD(t, 0.1, 0, &w1), 1),
		"b": NewOptimWrapper(boundSGD(t, 0.2, 0, &w2), 1),
	})
	sd := dict.StateDict()

	restored := NewOptimWrapperDict(map[string]*OptimWrapper{
		"a": NewOptimWrapper(NewSGD(0, 0), 1),
		"b": NewOptimWrapper(NewSGD(0, 0), 1),
	})
	require.NoError(t, restored.LoadStateDict(sd))
	a, _ := restored.Get("a")
	b, _ := restored.Get("b")
	assert.Equal(t, 0.1, a.LR())
	assert.Equal(t, 0.2, b.LR())

	require.Error(t, restored.LoadStateDict(map[string]any{"a": map[string]any{}}))
}
