// Package dispatch routes decoded messages to the engine.
//
// Events are sent to the engine; bundle events are expanded and each
// constituent routed on its own. Commands install, replace or stop
// statements and queries, and the Registry remembers what is installed so
// the set survives broker reconnects. Interceptors see every message first
// and may claim it, which ends its handling; DedupInterceptor uses this to
// drop events already seen.
//
// A Dispatcher is driven by one consuming goroutine. Commands may also
// arrive from a reload goroutine; they are serialised internally.
package dispatch
