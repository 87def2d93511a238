package view

import (
	"math"

	"github.com/shopspring/decimal"
)

// divisionPlaces is the number of digits kept after the decimal point when
// the accumulator divides.
const divisionPlaces = 34

// Accumulator keeps the running sums of a bivariate sample set in exact
// decimal arithmetic. The zero value is ready to use.
type Accumulator struct {
	n     int64
	sumX  decimal.Decimal
	sumX2 decimal.Decimal
	sumY  decimal.Decimal
	sumY2 decimal.Decimal
	sumXY decimal.Decimal
}

// Count returns the number of points held
func (a *Accumulator) Count() int64 { return a.n }

// AddPoint adds one point
func (a *Accumulator) AddPoint(x, y decimal.Decimal) {
	a.n++
	a.sumX = a.sumX.Add(x)
	a.sumX2 = a.sumX2.Add(x.Mul(x))
	a.sumY = a.sumY.Add(y)
	a.sumY2 = a.sumY2.Add(y.Mul(y))
	a.sumXY = a.sumXY.Add(x.Mul(y))
}

// RemovePoint removes a point previously added. When the count reaches zero
// every sum is reset so no residue is carried forward.
func (a *Accumulator) RemovePoint(x, y decimal.Decimal) {
	a.n--
	if a.n <= 0 {
		a.Reset()
		return
	}
	a.sumX = a.sumX.Sub(x)
	a.sumX2 = a.sumX2.Sub(x.Mul(x))
	a.sumY = a.sumY.Sub(y)
	a.sumY2 = a.sumY2.Sub(y.Mul(y))
	a.sumXY = a.sumXY.Sub(x.Mul(y))
}

// Add adds a sample
func (a *Accumulator) Add(s Sample) { a.AddPoint(sampleDecimals(s)) }

// Remove removes a sample
func (a *Accumulator) Remove(s Sample) { a.RemovePoint(sampleDecimals(s)) }

func sampleDecimals(s Sample) (decimal.Decimal, decimal.Decimal) {
	return decimal.NewFromInt(s.X), decimal.NewFromFloat(s.Y)
}

// Reset zeroes the accumulator
func (a *Accumulator) Reset() { *a = Accumulator{} }

// Clone returns an independent copy. Decimals are immutable values, so a
// shallow copy is enough.
func (a *Accumulator) Clone() *Accumulator {
	c := *a
	return &c
}

// Sums returns Σx, Σx², Σy, Σy², Σxy
func (a *Accumulator) Sums() (sumX, sumX2, sumY, sumY2, sumXY decimal.Decimal) {
	return a.sumX, a.sumX2, a.sumY, a.sumY2, a.sumXY
}

// Slope is (Σxy − ΣxΣy/n) / (Σx² − (Σx)²/n), computed as
// (nΣxy − ΣxΣy) / (nΣx² − (Σx)²) so only one division rounds.
// ok is false with fewer than two points or a zero denominator.
func (a *Accumulator) Slope() (decimal.Decimal, bool) {
	if a.n < 2 {
		return decimal.Zero, false
	}
	n := decimal.NewFromInt(a.n)
	denom := n.Mul(a.sumX2).Sub(a.sumX.Mul(a.sumX))
	if denom.IsZero() {
		return decimal.Zero, false
	}
	num := n.Mul(a.sumXY).Sub(a.sumX.Mul(a.sumY))
	return num.DivRound(denom, divisionPlaces), true
}

// Intercept is Σy/n − slope·Σx/n
func (a *Accumulator) Intercept() (decimal.Decimal, bool) {
	slope, ok := a.Slope()
	if !ok {
		return decimal.Zero, false
	}
	n := decimal.NewFromInt(a.n)
	return a.sumY.Sub(slope.Mul(a.sumX)).DivRound(n, divisionPlaces), true
}

// spread returns nΣv² − (Σv)², the numerator shared by the variances
func (a *Accumulator) spread(sum, sum2 decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(a.n).Mul(sum2).Sub(sum.Mul(sum))
}

func (a *Accumulator) sampleVariance(sum, sum2 decimal.Decimal) (decimal.Decimal, bool) {
	if a.n < 2 {
		return decimal.Zero, false
	}
	d := decimal.NewFromInt(a.n * (a.n - 1))
	return a.spread(sum, sum2).DivRound(d, divisionPlaces), true
}

func (a *Accumulator) populationVariance(sum, sum2 decimal.Decimal) (decimal.Decimal, bool) {
	if a.n < 1 {
		return decimal.Zero, false
	}
	d := decimal.NewFromInt(a.n * a.n)
	return a.spread(sum, sum2).DivRound(d, divisionPlaces), true
}

// XVariance is the sample variance of x (n−1 denominator)
func (a *Accumulator) XVariance() (decimal.Decimal, bool) { return a.sampleVariance(a.sumX, a.sumX2) }

// YVariance is the sample variance of y (n−1 denominator)
func (a *Accumulator) YVariance() (decimal.Decimal, bool) { return a.sampleVariance(a.sumY, a.sumY2) }

// XPopulationVariance is the population variance of x
func (a *Accumulator) XPopulationVariance() (decimal.Decimal, bool) {
	return a.populationVariance(a.sumX, a.sumX2)
}

// YPopulationVariance is the population variance of y
func (a *Accumulator) YPopulationVariance() (decimal.Decimal, bool) {
	return a.populationVariance(a.sumY, a.sumY2)
}

// XStdDev is the sample standard deviation of x
func (a *Accumulator) XStdDev() (float64, bool) { return sqrt(a.XVariance()) }

// YStdDev is the sample standard deviation of y
func (a *Accumulator) YStdDev() (float64, bool) { return sqrt(a.YVariance()) }

// XPopulationStdDev is the population standard deviation of x
func (a *Accumulator) XPopulationStdDev() (float64, bool) { return sqrt(a.XPopulationVariance()) }

// YPopulationStdDev is the population standard deviation of y
func (a *Accumulator) YPopulationStdDev() (float64, bool) { return sqrt(a.YPopulationVariance()) }

func sqrt(v decimal.Decimal, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	f := v.InexactFloat64()
	if f < 0 {
		// rounding residue on a constant series
		f = 0
	}
	return math.Sqrt(f), true
}

// Regression is a view emitting regression statistics after every sample.
// With a window greater than zero it keeps only the most recent window
// samples, removing the oldest as new ones arrive.
type Regression struct {
	acc    Accumulator
	window int
	ring   []Sample
	head   int
}

// NewRegression returns a regression view. window <= 0 keeps every sample.
func NewRegression(window int) *Regression {
	return &Regression{window: window}
}

// Name implements View
func (r *Regression) Name() string { return "regression" }

// Clone implements View
func (r *Regression) Clone() View { return NewRegression(r.window) }

// Accumulator exposes the running sums
func (r *Regression) Accumulator() *Accumulator { return &r.acc }

// Add implements View. Every sample produces a result; fields that are
// undefined for the current count render as nil.
func (r *Regression) Add(s Sample) (Result, bool) {
	if r.window > 0 {
		if len(r.ring) < r.window {
			r.ring = append(r.ring, s)
		} else {
			r.acc.Remove(r.ring[r.head])
			r.ring[r.head] = s
			r.head = (r.head + 1) % r.window
		}
	}
	r.acc.Add(s)
	return r.Stats(), true
}

// Stats snapshots the current statistics
func (r *Regression) Stats() Stats {
	st := Stats{Count: r.acc.Count()}
	st.Slope, st.SlopeOK = r.acc.Slope()
	st.Intercept, st.InterceptOK = r.acc.Intercept()
	st.XStdDev, st.XStdDevOK = r.acc.XStdDev()
	st.YStdDev, st.YStdDevOK = r.acc.YStdDev()
	return st
}

// Stats is the output row of a Regression view
type Stats struct {
	Count       int64
	Slope       decimal.Decimal
	SlopeOK     bool
	Intercept   decimal.Decimal
	InterceptOK bool
	XStdDev     float64
	XStdDevOK   bool
	YStdDev     float64
	YStdDevOK   bool
}

// Fields implements Result
func (s Stats) Fields() map[string]any {
	f := map[string]any{
		"count":     s.Count,
		"slope":     nil,
		"intercept": nil,
		"x_stddev":  nil,
		"y_stddev":  nil,
	}
	if s.SlopeOK {
		f["slope"] = s.Slope.InexactFloat64()
	}
	if s.InterceptOK {
		f["intercept"] = s.Intercept.InexactFloat64()
	}
	if s.XStdDevOK {
		f["x_stddev"] = s.XStdDev
	}
	if s.YStdDevOK {
		f["y_stddev"] = s.YStdDev
	}
	return f
}
