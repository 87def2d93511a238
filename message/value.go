package message

import (
	"math"
	"strconv"
)

// NullValue is the wire sentinel for an explicitly absent metric value
const NullValue = "[[null]]"

// MetricType is the single-character type code of a metric
type MetricType byte

// Metric type codes
const (
	MetricInt32  MetricType = 'i'
	MetricUint32 MetricType = 'I'
	MetricInt64  MetricType = 'l'
	MetricUint64 MetricType = 'L'
	MetricDouble MetricType = 'n'
	MetricString MetricType = 's'
)

// IsText reports whether the type carries a string value
func (t MetricType) IsText() bool { return t == MetricString }

// MetricValue is a typed metric value. Exactly one of the typed fields is
// meaningful, selected by Type, unless Null is set.
type MetricValue struct {
	Type MetricType
	Null bool

	i int64
	u uint64
	f float64
	s string
}

// Int64Value builds a signed integer value of the given type
func Int64Value(t MetricType, v int64) MetricValue { return MetricValue{Type: t, i: v} }

// Uint64Value builds an unsigned integer value of the given type
func Uint64Value(t MetricType, v uint64) MetricValue { return MetricValue{Type: t, u: v} }

// DoubleValue builds a double value
func DoubleValue(v float64) MetricValue { return MetricValue{Type: MetricDouble, f: v} }

// StringValue builds a text value
func StringValue(v string) MetricValue { return MetricValue{Type: MetricString, s: v} }

// NullOf builds an explicit null of the given type
func NullOf(t MetricType) MetricValue { return MetricValue{Type: t, Null: true} }

// ParseMetricValue interprets raw according to the type code. Numeric values
// that do not parse become null. Unknown type codes are read as doubles.
func ParseMetricValue(t MetricType, raw string) MetricValue {
	if raw == NullValue {
		return NullOf(t)
	}
	switch t {
	case MetricString:
		return StringValue(raw)
	case MetricInt32:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return NullOf(t)
		}
		return Int64Value(t, v)
	case MetricInt64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return NullOf(t)
		}
		return Int64Value(t, v)
	case MetricUint32:
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return NullOf(t)
		}
		return Uint64Value(t, v)
	case MetricUint64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return NullOf(t)
		}
		return Uint64Value(t, v)
	default:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return NullOf(t)
		}
		return MetricValue{Type: t, f: v}
	}
}

// IsNumeric reports whether the value is a non-null number
func (v MetricValue) IsNumeric() bool {
	return !v.Null && !v.Type.IsText()
}

// Float64 returns the value as a float64. ok is false for null and text.
func (v MetricValue) Float64() (float64, bool) {
	if !v.IsNumeric() {
		return 0, false
	}
	switch v.Type {
	case MetricInt32, MetricInt64:
		return float64(v.i), true
	case MetricUint32, MetricUint64:
		return float64(v.u), true
	default:
		return v.f, true
	}
}

// Int64 returns signed integer values exactly. ok is false for other types.
func (v MetricValue) Int64() (int64, bool) {
	if v.Null || (v.Type != MetricInt32 && v.Type != MetricInt64) {
		return 0, false
	}
	return v.i, true
}

// Uint64 returns unsigned integer values exactly. ok is false for other types.
func (v MetricValue) Uint64() (uint64, bool) {
	if v.Null || (v.Type != MetricUint32 && v.Type != MetricUint64) {
		return 0, false
	}
	return v.u, true
}

// Text returns the string of a text value
func (v MetricValue) Text() (string, bool) {
	if v.Null || !v.Type.IsText() {
		return "", false
	}
	return v.s, true
}

// Interface returns the value as a Go value suitable for JSON rendering.
// Null values and non-finite doubles return nil.
func (v MetricValue) Interface() any {
	if v.Null {
		return nil
	}
	switch v.Type {
	case MetricString:
		return v.s
	case MetricInt32, MetricInt64:
		return v.i
	case MetricUint32, MetricUint64:
		return v.u
	default:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil
		}
		return v.f
	}
}

// String renders the value in wire form
func (v MetricValue) String() string {
	if v.Null {
		return NullValue
	}
	switch v.Type {
	case MetricString:
		return v.s
	case MetricInt32, MetricInt64:
		return strconv.FormatInt(v.i, 10)
	case MetricUint32, MetricUint64:
		return strconv.FormatUint(v.u, 10)
	default:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	}
}
