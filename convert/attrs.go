package convert

import (
	"github.com/tsawler/go-darknet/darknet"
)

// Attrs is the per-layer attribute map consumed by conversion rules. It is
// built in full before a rule sees it and is read-only from then on.
// Defaults are load-bearing, so every optional read goes through an explicit
// get-with-default accessor.
type Attrs map[string]interface{}

// Has reports whether the key is present.
func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Int returns the int value for key, or def when absent.
func (a Attrs) Int(key string, def int) int {
	if v, ok := a[key].(int); ok {
		return v
	}
	return def
}

// Float returns the float value for key, or def when absent.
func (a Attrs) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return def
}

// Bool returns the bool value for key, or def when absent.
func (a Attrs) Bool(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// Str returns the string value for key, or def when absent.
func (a Attrs) Str(key string, def string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return def
}

// Ints returns the []int value for key, or nil when absent.
func (a Attrs) Ints(key string) []int {
	if v, ok := a[key].([]int); ok {
		return v
	}
	return nil
}

// Activation returns the activation tag for key, if present.
func (a Attrs) Activation(key string) (darknet.Activation, bool) {
	v, ok := a[key].(darknet.Activation)
	return v, ok
}

// requireInt returns the int value for key, or a MissingAttributeError
// naming the operator.
func (a Attrs) requireInt(key, op string) (int, error) {
	if v, ok := a[key].(int); ok {
		return v, nil
	}
	return 0, &MissingAttributeError{Key: key, Op: op}
}

// requireInts returns the []int value for key, or a MissingAttributeError.
func (a Attrs) requireInts(key, op string) ([]int, error) {
	if v, ok := a[key].([]int); ok {
		return v, nil
	}
	return nil, &MissingAttributeError{Key: key, Op: op}
}
