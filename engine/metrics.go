package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stratcon/metric"
)

// engineMetrics holds Prometheus metrics for the memory engine
type engineMetrics struct {
	rows       *prometheus.CounterVec // by statement
	evalErrors *prometheus.CounterVec // by statement
	statements prometheus.Gauge
}

func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratcon",
			Subsystem: "engine",
			Name:      "rows_emitted_total",
			Help:      "Result rows emitted, by statement",
		}, []string{"statement"}),
		evalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratcon",
			Subsystem: "engine",
			Name:      "evaluation_errors_total",
			Help:      "Rows that failed condition evaluation, by statement",
		}, []string{"statement"}),
		statements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratcon",
			Subsystem: "engine",
			Name:      "statements",
			Help:      "Statements currently installed in the engine",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "rows_emitted", m.rows); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "evaluation_errors", m.evalErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "statements", m.statements); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) recordRows(statement string, n int) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(statement).Add(float64(n))
}

func (m *engineMetrics) recordError(statement string) {
	if m == nil {
		return
	}
	m.evalErrors.WithLabelValues(statement).Inc()
}

func (m *engineMetrics) setStatements(n int) {
	if m != nil {
		m.statements.Set(float64(n))
	}
}
