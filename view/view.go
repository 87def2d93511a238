// Package view implements the incremental statistics used by streaming
// queries: rate of change, counter rate with reset clamping, and exact
// linear regression.
//
// A view consumes (x, y) samples in order, where x is a millisecond
// timestamp, and may emit a Result for each sample. Views hold per-group
// state; the engine keeps one instance per group-by key and creates it with
// Clone from a configured prototype.
package view

import "math"

// Sample is one input point
type Sample struct {
	X int64 // milliseconds
	Y float64
}

// Result is anything a view emits. Fields renders it as a result row; values
// that are undefined render as nil.
type Result interface {
	Fields() map[string]any
}

// View is an incremental algorithm over an ordered sample stream
type View interface {
	// Add feeds one sample. ok is false when the sample produced no output.
	Add(s Sample) (r Result, ok bool)
	// Clone returns a fresh instance with the same configuration and no state
	Clone() View
	// Name is the configured view type
	Name() string
}

// WeightedValue is a rate over an interval. Weight is the interval length
// in milliseconds; a zero weight marks a sample that must be left out of
// any average, and its Value is NaN.
type WeightedValue struct {
	Weight int64
	Value  float64
}

// Excluded reports whether the sample carries no weight
func (w WeightedValue) Excluded() bool { return w.Weight == 0 }

// Fields implements Result
func (w WeightedValue) Fields() map[string]any {
	return map[string]any{
		"weight": w.Weight,
		"value":  finite(w.Value),
	}
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// New returns the view registered under name, or false
func New(name string, window int) (View, bool) {
	switch name {
	case "derive":
		return NewDerive(), true
	case "counter":
		return NewCounter(), true
	case "regression":
		return NewRegression(window), true
	default:
		return nil, false
	}
}
