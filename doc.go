// Package stratcon is the event ingestion core of a stratcon node.
//
// Noit agents publish check, status, metric and bundle records to a
// message broker. stratcon-iep consumes that firehose, decodes each record,
// feeds it to a streaming engine running the configured statements and
// publishes the rows of every named query back to the broker as alerts.
//
// # Layout
//
//   - message: wire record and XML control document decoding
//   - view, engine: streaming views and the in-memory statement engine
//   - statement: definition files, dependency resolution and hot reload
//   - dispatch: routes decoded messages to the engine and tracks installs
//   - transport: the broker abstraction with amqp, nats and redis brokers
//   - listener: the boot-once, reconnect-forever consume loop
//   - alert: the bounded alert queue and publisher
//   - config, metric, errors: the ambient configuration, metrics and
//     error classification shared by every package
//
// The cmd/stratcon-iep binary wires these together.
package stratcon
