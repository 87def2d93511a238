package engine

import (
	"context"
	"math"

	"github.com/c360/stratcon/message"
)

// Built-in stream names
const (
	StreamCheck  = "check"
	StreamStatus = "status"
	StreamMetric = "metric"
)

// Row is one input or result tuple
type Row map[string]any

// Listener receives result rows of a statement. Update is called
// synchronously on the goroutine that sent the triggering event.
type Listener interface {
	Update(rows []Row)
}

type funcListener struct {
	fn func(rows []Row)
}

func (l *funcListener) Update(rows []Row) { l.fn(rows) }

// NewListener adapts a function to a Listener. Each call returns a distinct
// listener that can later be passed to RemoveListener.
func NewListener(fn func(rows []Row)) Listener {
	return &funcListener{fn: fn}
}

// Statement is an installed query
type Statement interface {
	ID() string
	AddListener(l Listener)
	RemoveListener(l Listener)
	// Destroy stops the statement; it receives no further events
	Destroy()
}

// Engine evaluates statements over the event stream
type Engine interface {
	// Create installs a statement from its query text
	Create(id, text string) (Statement, error)
	// Send feeds one event to every statement reading its stream
	Send(ctx context.Context, event message.Event) error
}

// StreamFor returns the built-in stream an event kind is delivered on
func StreamFor(kind message.Kind) (string, bool) {
	switch kind {
	case message.KindCheck:
		return StreamCheck, true
	case message.KindStatus:
		return StreamStatus, true
	case message.KindMetric, message.KindTransformedMetric:
		return StreamMetric, true
	default:
		return "", false
	}
}

// RowFromEvent renders an event as an input row.
//
// Every row carries remote, timestamp (ms), uuid, target, module and check.
// Check rows add name (the check name). Status rows add state, availability,
// duration and message. Metric rows add name (the metric name), type and
// value; numeric values are float64, text values string, null values nil.
// Bundles have no row of their own.
func RowFromEvent(event message.Event) (Row, bool) {
	id := event.Identity()
	row := Row{
		"remote":    id.Remote,
		"timestamp": id.Timestamp,
		"uuid":      id.UUID,
		"target":    id.Target,
		"module":    id.Module,
		"check":     id.Name,
	}
	switch e := event.(type) {
	case message.CheckEvent:
		row["name"] = e.Name
	case message.StatusEvent:
		row["state"] = e.State
		row["availability"] = e.Availability
		row["duration"] = e.Duration
		row["message"] = e.Message
	case message.MetricEvent:
		row["name"] = e.Name
		row["type"] = string(e.Value.Type)
		row["value"] = metricValue(e.Value)
		if e.Transformed {
			row["order"] = e.Order
		}
	default:
		return nil, false
	}
	return row, true
}

func metricValue(v message.MetricValue) any {
	if v.Null {
		return nil
	}
	if s, ok := v.Text(); ok {
		return s
	}
	if f, ok := v.Float64(); ok {
		return finite(f)
	}
	return nil
}

// finite maps NaN and infinities to nil so rows serialise cleanly
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// clean replaces non-finite floats in place
func (r Row) clean() Row {
	for k, v := range r {
		if f, ok := v.(float64); ok {
			r[k] = finite(f)
		}
	}
	return r
}
