package registry

import "fmt"

// Argument readers for constructor arg maps. Config loaders produce
// loosely typed numbers (YAML ints, HCL floats), so numeric readers
// coerce across the widths the loaders emit.

// FloatArg reads a float argument, coercing integer widths.
func FloatArg(args map[string]any, key string) (float64, bool, error) {
	v, ok := args[key]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return t, true, nil
	case float32:
		return float64(t), true, nil
	case int:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case uint64:
		return float64(t), true, nil
	default:
		return 0, true, fmt.Errorf("%w: argument %q must be a number, got %T", ErrBadSpec, key, v)
	}
}

// IntArg reads an integer argument. Floats with a fractional part are
// rejected.
func IntArg(args map[string]any, key string) (int, bool, error) {
	v, ok := args[key]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case uint64:
		return int(t), true, nil
	case float64:
		if t != float64(int(t)) {
			return 0, true, fmt.Errorf("%w: argument %q must be an integer, got %v", ErrBadSpec, key, t)
		}
		return int(t), true, nil
	default:
		return 0, true, fmt.Errorf("%w: argument %q must be an integer, got %T", ErrBadSpec, key, v)
	}
}

// StringArg reads a string argument.
func StringArg(args map[string]any, key string) (string, bool, error) {
	v, ok := args[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("%w: argument %q must be a string, got %T", ErrBadSpec, key, v)
	}
	return s, true, nil
}

// BoolArg reads a boolean argument.
func BoolArg(args map[string]any, key string) (bool, bool, error) {
	v, ok := args[key]
	if !ok {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, true, fmt.Errorf("%w: argument %q must be a boolean, got %T", ErrBadSpec, key, v)
	}
	return b, true, nil
}

// IntsArg reads a list of integers.
func IntsArg(args map[string]any, key string) ([]int, bool, error) {
	v, ok := args[key]
	if !ok {
		return nil, false, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, true, fmt.Errorf("%w: argument %q must be a list, got %T", ErrBadSpec, key, v)
	}
	out := make([]int, 0, len(list))
	for i, item := range list {
		n, _, err := IntArg(map[string]any{"item": item}, "item")
		if err != nil {
			return nil, true, fmt.Errorf("%w: argument %q element %d must be an integer, got %T", ErrBadSpec, key, i, item)
		}
		out = append(out, n)
	}
	return out, true, nil
}

// SpecArg reads a nested spec mapping.
func SpecArg(args map[string]any, key string) (map[string]any, bool, error) {
	v, ok := args[key]
	if !ok {
		return nil, false, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, true, fmt.Errorf("%w: argument %q must be a mapping, got %T", ErrBadSpec, key, v)
	}
	return m, true, nil
}
