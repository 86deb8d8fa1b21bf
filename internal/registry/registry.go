// Package registry provides the central "glue" between declarative
// specifications and compiled Go constructors.
//
// A Registry maps type names (the `type` key of a spec) to constructor
// functions. Registries form a scope tree: lookups that miss in a child
// scope fall back to the ancestor chain, so a project-specific scope can
// shadow or extend the core one. A Set groups one registry tree per
// component kind (models, hooks, loops, ...), which is what an application
// instance owns.
//
// Registration happens explicitly at process start; constructors cannot be
// replaced or removed afterwards. A duplicate name within one registry is
// a programmer error and panics, mirroring handler registration at startup.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
)

// Constructor builds a component from the non-reserved keys of its spec.
type Constructor func(args map[string]any) (any, error)

// Registry holds one scope's name->constructor table. The zero value is
// not usable; create registries with New or Child.
type Registry struct {
	scope  string
	parent *Registry

	mu       sync.RWMutex
	table    map[string]Constructor
	children map[string]*Registry
}

// New creates a root registry for the given scope name.
func New(scope string) *Registry {
	return &Registry{
		scope:    scope,
		table:    make(map[string]Constructor),
		children: make(map[string]*Registry),
	}
}

// Scope returns this registry's scope name.
func (r *Registry) Scope() string { return r.scope }

// Register adds a constructor under the given type name. Registering a
// name twice in the same registry is a programmer error and panics; the
// same name in an ancestor scope is allowed (the child shadows it).
func (r *Registry) Register(name string, ctor Constructor) {
	if ctor == nil {
		panic(fmt.Sprintf("registry: nil constructor for type %q in scope %q", name, r.scope))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[name]; exists {
		panic(fmt.Sprintf("registry: type %q already registered in scope %q", name, r.scope))
	}
	slog.Debug("Registering constructor.", "scope", r.scope, "type", name)
	r.table[name] = ctor
}

// Child returns the child registry for the given scope, creating it on
// first use. Lookups in the child fall back to this registry.
func (r *Registry) Child(scope string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if child, ok := r.children[scope]; ok {
		return child
	}
	child := New(scope)
	child.parent = r
	r.children[scope] = child
	return child
}

// Get resolves a type name against this registry, then the ancestor
// chain. A miss across the whole chain returns ErrNotRegistered.
func (r *Registry) Get(name string) (Constructor, error) {
	for cur := r; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		ctor, ok := cur.table[name]
		cur.mu.RUnlock()
		if ok {
			return ctor, nil
		}
	}
	return nil, fmt.Errorf("%w: type %q in scope %q", ErrNotRegistered, name, r.scopePath())
}

// Has reports whether the name resolves in this registry or an ancestor.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names returns the type names registered directly in this registry
// (ancestors excluded), in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.table))
	for name := range r.table {
		names = append(names, name)
	}
	return names
}

// scopePath renders the scope chain root->leaf for diagnostics.
func (r *Registry) scopePath() string {
	if r.parent == nil {
		return r.scope
	}
	return r.parent.scopePath() + "/" + r.scope
}
