// Package transport defines the message broker contract used by the
// listener and the alert publisher.
//
// A Broker connects to one endpoint at a time, consuming the firehose until
// the connection breaks or the context is cancelled. Consume never retries
// on its own; the reconnect loop belongs to the caller. Endpoints rotates
// deterministically through the configured candidates on every Connect.
//
// Concrete brokers live in subpackages (natsbroker, redisbroker,
// amqpbroker) and are made available by kind through a Registry.
package transport
