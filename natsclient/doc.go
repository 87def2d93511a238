// Package natsclient wraps a NATS connection with a circuit breaker and
// the few JetStream operations the broker and statement sources need.
//
// A Client owns one connection to one server URL. Server rotation and the
// reconnect loop live above it in the listener, so clients built for a
// broker are usually configured with WithMaxReconnects(0): when the
// connection drops, Lost is closed and any blocking Consume call returns.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMaxReconnects(0))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.ConsumeSubject(ctx, "noit.firehose", "", func(ctx context.Context, data []byte) error {
//	    return dispatcher.HandlePayload(ctx, data)
//	})
//
// # Circuit Breaker
//
// Consecutive connect failures beyond the threshold (default 5) open the
// circuit. While open, Connect fails fast with errors.ErrCircuitOpen. The
// circuit half-opens after a backoff that doubles on every round up to
// the configured maximum.
//
// Disconnect drops the connection but keeps the client and its breaker,
// so a caller that reuses one client per endpoint has repeated dials to a
// dead server gated. Close is final.
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers
// and returns a connected client; the container is removed on test cleanup.
package natsclient
