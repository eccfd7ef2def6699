// Package convert translates a parsed Darknet network into a symbolic
// computation graph plus a table of named parameter tensors. The Converter
// holds the per-layer-kind conversion rules; the GraphBuilder drives a
// single ordered pass over the layer list, derives each layer's attribute
// map, resolves its graph inputs, and extracts its weights.
package convert

import (
	"fmt"
)

// UnsupportedOperatorError reports a layer kind or activation tag that has
// no conversion rule.
type UnsupportedOperatorError struct {
	Kind    string
	Context string
}

func (e *UnsupportedOperatorError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("operator %s is not supported (%s)", e.Kind, e.Context)
	}
	return fmt.Sprintf("operator %s is not supported", e.Kind)
}

// MissingAttributeError reports a required attribute absent from a rule's
// attribute map.
type MissingAttributeError struct {
	Key string
	Op  string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("required attribute %q is missing in operator %s", e.Key, e.Op)
}

// InvalidAttributeError reports an attribute that is present but fails a
// semantic check.
type InvalidAttributeError struct {
	Op     string
	Reason string
}

func (e *InvalidAttributeError) Error() string {
	return fmt.Sprintf("invalid attribute in operator %s: %s", e.Op, e.Reason)
}

func invalidAttrf(op, format string, args ...interface{}) *InvalidAttributeError {
	return &InvalidAttributeError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
