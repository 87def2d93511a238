// Package cache provides a generic, thread-safe LRU cache.
//
// The cache bounds memory for lookups that are repeated on the hot path:
// compiled regular expressions in the engine evaluator and recently seen
// event digests in the dedup interceptor. Statistics are always collected;
// Prometheus export is optional via WithMetrics.
package cache
