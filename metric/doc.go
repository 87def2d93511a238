// Package metric wraps a Prometheus registry for the ingestion service.
//
// MetricsRegistry carries the core metrics (decode, dispatch, broker and
// alert counters) and lets components register their own collectors under
// a component name, rejecting duplicates. Server exposes the registry at
// /metrics and a liveness probe at /health.
//
// Core metric methods accept a nil receiver:
//
//	var m *metric.Metrics // metrics disabled
//	m.RecordDecoded("M")  // no-op
package metric
