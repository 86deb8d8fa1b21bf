package registry

import (
	"fmt"
	"sync"
)

// Standard component kinds. Each kind is an independent registry tree
// inside a Set.
const (
	KindModel      = "model"
	KindDataset    = "dataset"
	KindSampler    = "sampler"
	KindHook       = "hook"
	KindLoop       = "loop"
	KindStrategy   = "strategy"
	KindScheduler  = "param_scheduler"
	KindOptimizer  = "optimizer"
	KindOptimWrap  = "optim_wrapper"
	KindEvaluator  = "evaluator"
	KindMetric     = "metric"
	KindVisBackend = "vis_backend"
)

// Module is implemented by packages that contribute constructors to a
// registry set. An application instance collects its modules and calls
// Register on each at startup.
type Module interface {
	Register(s *Set)
}

// ModuleFunc adapts a plain function to the Module interface.
type ModuleFunc func(s *Set)

// Register implements Module.
func (f ModuleFunc) Register(s *Set) { f(s) }

// Set owns one registry tree per component kind for a single application
// instance. There is no process-global set; tests and embedded uses build
// isolated ones.
type Set struct {
	mu    sync.Mutex
	kinds map[string]*Registry
}

// NewSet creates an empty registry set.
func NewSet() *Set {
	return &Set{kinds: make(map[string]*Registry)}
}

// Kind returns the root registry for a component kind, creating it on
// first use.
func (s *Set) Kind(name string) *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.kinds[name]; ok {
		return r
	}
	r := New(name)
	s.kinds[name] = r
	return r
}

// Lookup serves deferred symbol references: path names a component kind,
// symbol a registered constructor within it. An empty symbol returns the
// kind's root registry as a namespace. The Set is the import table lazy
// references resolve against.
func (s *Set) Lookup(path, symbol string) (any, error) {
	s.mu.Lock()
	r, ok := s.kinds[path]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown component kind %q", path)
	}
	if symbol == "" {
		return r, nil
	}
	return r.Get(symbol)
}

// Install registers every module into the set, in order.
func (s *Set) Install(modules ...Module) {
	for _, m := range modules {
		m.Register(s)
	}
}
