// Package lazy models deferred symbol references for configuration files.
//
// A config file may name a symbol from a package that is not wired into
// the current process (an optional backend, a project extension). Instead
// of failing at parse time, the reference is recorded as an unresolved Ref
// carrying its source location; the failure, if any, happens at build
// time with a precise diagnostic.
//
// A Ref is a tagged variant: Unresolved(path, symbol, location) or
// Resolved(value). Resolve is the only transition between the two, and it
// never happens implicitly. Attribute access on an unresolved Ref chains
// symbolically without any lookup side effects.
package lazy

import (
	"errors"
	"fmt"
)

// ErrUnresolved reports use of a Ref that requires resolution first.
var ErrUnresolved = errors.New("lazy: reference not resolved")

// Table resolves symbol paths to live values. The registry's import table
// implements this; tests use MapTable.
type Table interface {
	Lookup(path, symbol string) (any, error)
}

// MapTable is an in-memory Table: path -> symbol -> value.
type MapTable map[string]map[string]any

// Lookup implements Table.
func (t MapTable) Lookup(path, symbol string) (any, error) {
	ns, ok := t[path]
	if !ok {
		return nil, fmt.Errorf("unknown path %q", path)
	}
	if symbol == "" {
		return ns, nil
	}
	v, ok := ns[symbol]
	if !ok {
		return nil, fmt.Errorf("path %q has no symbol %q", path, symbol)
	}
	return v, nil
}

// Ref is a reference to an external symbol, deferred until Resolve.
type Ref struct {
	path     string
	symbol   string
	location string

	// Attribute chain: set instead of path/symbol when this Ref was
	// produced by Attr.
	source *Ref
	attr   string

	resolved bool
	value    any
}

// NewRef creates an unresolved reference to symbol within path. location
// is the config-file position of the reference, used only in diagnostics.
func NewRef(path, symbol, location string) *Ref {
	return &Ref{path: path, symbol: symbol, location: location}
}

// Resolved wraps an already-live value in a resolved Ref.
func Resolved(value any) *Ref {
	return &Ref{resolved: true, value: value}
}

// IsResolved reports whether Value may be called.
func (r *Ref) IsResolved() bool { return r.resolved }

// Location returns the recorded source location, possibly empty.
func (r *Ref) Location() string { return r.location }

// String renders the symbolic dotted path for diagnostics. It never
// resolves anything.
func (r *Ref) String() string {
	if r.source != nil {
		return r.source.String() + "." + r.attr
	}
	if r.symbol != "" {
		return r.path + "." + r.symbol
	}
	return r.path
}

// Attr returns a new unresolved Ref for an attribute of this one. The
// chain accumulates a dotted path used only for diagnostics; no lookup
// happens until Resolve.
func (r *Ref) Attr(name string) *Ref {
	return &Ref{source: r, attr: name, location: r.location}
}

// Clone copies the reference, preserving its deferred state. A clone of
// an unresolved Ref is unresolved; resolving one copy does not resolve
// the other.
func (r *Ref) Clone() *Ref {
	c := *r
	if r.source != nil {
		c.source = r.source.Clone()
	}
	return &c
}

// Resolve transitions the Ref to Resolved against the given table and
// returns the live value. Resolution is idempotent: once resolved, the
// cached value is returned and the table is not consulted again.
//
// Failures wrap the underlying lookup error and carry the recorded
// source location.
func (r *Ref) Resolve(table Table) (any, error) {
	if r.resolved {
		return r.value, nil
	}

	var v any
	var err error
	if r.source != nil {
		var base any
		base, err = r.source.Resolve(table)
		if err != nil {
			return nil, err
		}
		v, err = attrOf(base, r.attr)
	} else {
		v, err = table.Lookup(r.path, r.symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("lazy: failed to resolve %s at %s: %w", r.String(), r.locationOrUnknown(), err)
	}

	r.resolved = true
	r.value = v
	return v, nil
}

// Value returns the resolved value. Calling it on an unresolved Ref is
// always an error: a Ref must be resolved before use.
func (r *Ref) Value() (any, error) {
	if !r.resolved {
		return nil, fmt.Errorf("%w: %s at %s", ErrUnresolved, r.String(), r.locationOrUnknown())
	}
	return r.value, nil
}

// Invoke calls the resolved value as a constructor. Invoking an
// unresolved Ref is always an error, regardless of arguments.
func (r *Ref) Invoke(args map[string]any) (any, error) {
	if !r.resolved {
		return nil, fmt.Errorf("%w: cannot call %s before resolution (at %s)", ErrUnresolved, r.String(), r.locationOrUnknown())
	}
	fn, ok := r.value.(func(map[string]any) (any, error))
	if !ok {
		return nil, fmt.Errorf("lazy: %s resolved to non-callable %T", r.String(), r.value)
	}
	return fn(args)
}

func (r *Ref) locationOrUnknown() string {
	if r.location == "" {
		return "<unknown location>"
	}
	return r.location
}

// attrOf looks up an attribute on a resolved base value. Namespaces are
// plain maps or types implementing AttrGetter.
func attrOf(base any, name string) (any, error) {
	switch t := base.(type) {
	case map[string]any:
		v, ok := t[name]
		if !ok {
			return nil, fmt.Errorf("namespace has no attribute %q", name)
		}
		return v, nil
	case AttrGetter:
		v, ok := t.Attr(name)
		if !ok {
			return nil, fmt.Errorf("%T has no attribute %q", base, name)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("cannot access attribute %q on %T", name, base)
	}
}

// AttrGetter lets resolved values expose named attributes to lazy
// attribute chains.
type AttrGetter interface {
	Attr(name string) (any, bool)
}
