package transport

import (
	"context"

	"github.com/c360/stratcon/errors"
)

// Handler receives every payload a broker consumes
type Handler interface {
	HandlePayload(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload []byte) error

// HandlePayload calls f
func (f HandlerFunc) HandlePayload(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// Broker is a connection to one message broker.
//
// Connect is idempotent and fails when no endpoint is reachable. Consume
// blocks, feeding every payload to the handler, and returns on the first
// connection failure (a transient error) or nil when ctx is cancelled.
// Disconnect is best effort and always leaves the broker disconnected.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	Consume(ctx context.Context, h Handler) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, key string, payload []byte) error
}

// AckMode selects the acknowledgement discipline for consumed payloads
type AckMode string

const (
	// AckAuto settles on receipt: at-most-once
	AckAuto AckMode = "auto"
	// AckManual settles after the handler returns: at-least-once
	AckManual AckMode = "manual"
)

// Disposition is what a manually acknowledged delivery becomes once the
// handler has returned
type Disposition int

const (
	// Ack settles a payload that was processed
	Ack Disposition = iota
	// Reject moves a payload that can never be processed to the dead
	// letter destination, if the broker has one
	Reject
	// Retry leaves the payload for redelivery
	Retry
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Settle maps the handler's result to a disposition. Only a nil result is
// acknowledged. Invalid input is rejected since redelivery would fail the
// same way; anything else is retried.
func Settle(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.IsInvalid(err):
		return Reject
	default:
		return Retry
	}
}
