package view

import "math"

// Derive emits the rate of change between consecutive samples.
type Derive struct {
	last   Sample
	primed bool
	clamp  bool
}

// NewDerive returns a derivative view
func NewDerive() *Derive { return &Derive{} }

// NewCounter returns a derivative view for monotonic counters. A drop in
// value is a counter reset: the emitted sample has zero weight instead of a
// negative rate.
func NewCounter() *Derive { return &Derive{clamp: true} }

// Name implements View
func (d *Derive) Name() string {
	if d.clamp {
		return "counter"
	}
	return "derive"
}

// Clone implements View
func (d *Derive) Clone() View { return &Derive{clamp: d.clamp} }

// Add implements View. The first sample only primes the view. A sample at
// the same x replaces the previous point without emitting; a sample earlier
// than the previous point is dropped.
func (d *Derive) Add(s Sample) (Result, bool) {
	wv, ok := d.Update(s)
	if !ok {
		return nil, false
	}
	return wv, true
}

// Update is Add with a concrete return type
func (d *Derive) Update(s Sample) (WeightedValue, bool) {
	if !d.primed {
		d.last, d.primed = s, true
		return WeightedValue{}, false
	}

	dx := s.X - d.last.X
	switch {
	case dx < 0:
		return WeightedValue{}, false
	case dx == 0:
		d.last = s
		return WeightedValue{}, false
	}

	dy := s.Y - d.last.Y
	d.last = s
	if d.clamp && dy < 0 {
		return WeightedValue{Weight: 0, Value: math.NaN()}, true
	}
	return WeightedValue{Weight: dx, Value: dy / float64(dx)}, true
}
