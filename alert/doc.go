// Package alert republishes engine result rows for installed queries.
//
// Listeners created by Publisher.ListenerFor run on the engine's evaluation
// goroutine; they render rows to JSON and hand them to a bounded queue
// served by a single publishing worker. When the queue is full the
// configured policy either blocks the evaluation or drops the alert.
package alert
