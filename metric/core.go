package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stratcon"

// Metrics holds the core ingestion metrics. Every Record method is safe to
// call on a nil *Metrics, so components run without a registry in tests.
type Metrics struct {
	// Decode and dispatch
	MessagesDecoded  *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	MessagesDeduped  prometheus.Counter
	DispatchDuration *prometheus.HistogramVec
	DispatchErrors   *prometheus.CounterVec
	ActiveStatements prometheus.Gauge

	// Broker
	BrokerConnected  *prometheus.GaugeVec
	BrokerReconnects *prometheus.CounterVec

	// Alerts
	AlertsPublished *prometheus.CounterVec
	AlertsDropped   prometheus.Counter
	AlertErrors     prometheus.Counter
}

// NewMetrics creates the core metrics, unregistered
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "decoded_total",
				Help:      "Records decoded from the firehose, by record kind",
			},
			[]string{"kind"},
		),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "decode_errors_total",
			Help:      "Records that failed to decode",
		}),
		MessagesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "deduplicated_total",
			Help:      "Events claimed by the dedup interceptor",
		}),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Time spent dispatching one record",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"kind"},
		),
		DispatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "errors_total",
				Help:      "Dispatch failures, by record kind",
			},
			[]string{"kind"},
		),
		ActiveStatements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "active_statements",
			Help:      "Statements and queries currently installed",
		}),
		BrokerConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
			[]string{"broker"},
		),
		BrokerReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connect_attempts_total",
				Help:      "Broker connect attempts made by the runner",
			},
			[]string{"broker"},
		),
		AlertsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "published_total",
				Help:      "Alerts published, by query name",
			},
			[]string{"query"},
		),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "dropped_total",
			Help:      "Alerts dropped because the publish queue was full",
		}),
		AlertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "publish_errors_total",
			Help:      "Alerts that failed to publish after the reconnect retry",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesDecoded,
		m.DecodeErrors,
		m.MessagesDeduped,
		m.DispatchDuration,
		m.DispatchErrors,
		m.ActiveStatements,
		m.BrokerConnected,
		m.BrokerReconnects,
		m.AlertsPublished,
		m.AlertsDropped,
		m.AlertErrors,
	}
}

// RecordDecoded counts one decoded record
func (m *Metrics) RecordDecoded(kind string) {
	if m == nil {
		return
	}
	m.MessagesDecoded.WithLabelValues(kind).Inc()
}

// RecordDecodeErrors counts records that failed to decode
func (m *Metrics) RecordDecodeErrors(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DecodeErrors.Add(float64(n))
}

// RecordDeduped counts one event claimed as a duplicate
func (m *Metrics) RecordDeduped() {
	if m == nil {
		return
	}
	m.MessagesDeduped.Inc()
}

// RecordDispatch observes one dispatch and counts it as failed when err is set
func (m *Metrics) RecordDispatch(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.DispatchErrors.WithLabelValues(kind).Inc()
	}
}

// RecordActiveStatements sets the installed statement count
func (m *Metrics) RecordActiveStatements(n int) {
	if m == nil {
		return
	}
	m.ActiveStatements.Set(float64(n))
}

// RecordBrokerStatus updates the broker connection gauge
func (m *Metrics) RecordBrokerStatus(broker string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.WithLabelValues(broker).Set(value)
}

// RecordConnectAttempt counts one broker connect attempt
func (m *Metrics) RecordConnectAttempt(broker string) {
	if m == nil {
		return
	}
	m.BrokerReconnects.WithLabelValues(broker).Inc()
}

// RecordAlertPublished counts one published alert
func (m *Metrics) RecordAlertPublished(query string) {
	if m == nil {
		return
	}
	m.AlertsPublished.WithLabelValues(query).Inc()
}

// RecordAlertDropped counts one alert dropped on a full queue
func (m *Metrics) RecordAlertDropped() {
	if m == nil {
		return
	}
	m.AlertsDropped.Inc()
}

// RecordAlertError counts one alert that could not be published
func (m *Metrics) RecordAlertError() {
	if m == nil {
		return
	}
	m.AlertErrors.Inc()
}
