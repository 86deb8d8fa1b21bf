// Package visual writes training scalars and the run configuration to
// pluggable backends (a local JSON-lines file, an HTTP tracking
// endpoint). Rendering is out of scope; backends only persist.
package visual

import (
	"fmt"
	"sync"

	"github.com/vk/trainergo/internal/registry"
)

// Backend persists visualization data for one run.
type Backend interface {
	WriteScalars(step int, scalars map[string]float64) error
	WriteConfig(text string) error
	Close() error
}

var (
	visMu   sync.RWMutex
	viss    = map[string]*Visualizer{}
	visLast *Visualizer
)

// Visualizer fans scalar records out to its backends.
type Visualizer struct {
	name     string
	backends []Backend
}

// Get returns the visualizer registered under name, creating an
// empty one on first use.
func Get(name string) *Visualizer {
	visMu.Lock()
	defer visMu.Unlock()
	if v, ok := viss[name]; ok {
		return v
	}
	v := &Visualizer{name: name}
	viss[name] = v
	visLast = v
	return v
}

// Current returns the most recently created visualizer, or a fallback
// named "default".
func Current() *Visualizer {
	visMu.RLock()
	v := visLast
	visMu.RUnlock()
	if v != nil {
		return v
	}
	return Get("default")
}

// Name returns the visualizer's registration name.
func (v *Visualizer) Name() string { return v.name }

// AddBackend attaches a backend.
func (v *Visualizer) AddBackend(b Backend) { v.backends = append(v.backends, b) }

// WriteScalars records one step's scalars on every backend.
func (v *Visualizer) WriteScalars(step int, scalars map[string]float64) error {
	for _, b := range v.backends {
		if err := b.WriteScalars(step, scalars); err != nil {
			return fmt.Errorf("visualizer backend %T failed: %w", b, err)
		}
	}
	return nil
}

// WriteConfig records the run configuration on every backend.
func (v *Visualizer) WriteConfig(text string) error {
	for _, b := range v.backends {
		if err := b.WriteConfig(text); err != nil {
			return fmt.Errorf("visualizer backend %T failed: %w", b, err)
		}
	}
	return nil
}

// Close closes every backend, returning the first failure.
func (v *Visualizer) Close() error {
	var first error
	for _, b := range v.backends {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build creates a visualizer named name from a list of backend specs.
// The workDir is handed to backends that persist locally.
func Build(set *registry.Set, name, workDir string, specs []any) (*Visualizer, error) {
	v := Get(name)
	for _, spec := range specs {
		if b, ok := spec.(Backend); ok {
			v.AddBackend(b)
			continue
		}
		m, ok := spec.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: visualizer backend spec must be a mapping, got %T", registry.ErrBadSpec, spec)
		}
		if _, ok := m["work_dir"]; !ok {
			cp := make(map[string]any, len(m)+1)
			for k, val := range m {
				cp[k] = val
			}
			cp["work_dir"] = workDir
			m = cp
		}
		built, err := set.Kind(registry.KindVisBackend).Build(m, nil)
		if err != nil {
			return nil, err
		}
		b, ok := built.(Backend)
		if !ok {
			return nil, fmt.Errorf("visualizer backend spec built a %T, want a backend", built)
		}
		v.AddBackend(b)
	}
	return v, nil
}

// Register installs the built-in backend types.
func Register(set *registry.Set) {
	reg := set.Kind(registry.KindVisBackend)

	reg.Register("LocalBackend", func(args map[string]any) (any, error) {
		dir, _, err := registry.StringArg(args, "work_dir")
		if err != nil {
			return nil, err
		}
		if dir == "" {
			return nil, fmt.Errorf("%w: LocalBackend requires work_dir", registry.ErrBadSpec)
		}
		return NewLocalBackend(dir)
	})

	reg.Register("HTTPBackend", func(args map[string]any) (any, error) {
		endpoint, ok, err := registry.StringArg(args, "endpoint")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: HTTPBackend requires endpoint", registry.ErrBadSpec)
		}
		run, _, err := registry.StringArg(args, "run")
		if err != nil {
			return nil, err
		}
		return NewHTTPBackend(endpoint, run), nil
	})
}

// Module adapts Register to the registry module installer.
var Module = registry.ModuleFunc(Register)

// ResetForTest clears the global visualizer registry. Test helper only.
func ResetForTest() {
	visMu.Lock()
	defer visMu.Unlock()
	viss = map[string]*Visualizer{}
	visLast = nil
}
