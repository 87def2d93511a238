// Package transporttest provides a scripted in-memory broker for tests of
// code that drives a transport.Broker.
package transporttest

import (
	"context"
	"sync"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
)

// Published is one payload accepted by Publish
type Published struct {
	Key     string
	Payload []byte
}

// Broker is an in-memory transport.Broker. Deliver feeds payloads to the
// running Consume; Sever drops the current connection. Failures for
// Connect and Publish are scripted with FailConnect and FailPublish and
// consumed one per call.
type Broker struct {
	name string

	mu          sync.Mutex
	connected   bool
	lost        chan struct{}
	connectErrs []error
	publishErrs []error
	connects    int
	disconnects int
	published   []Published
	results     []error
	endpoints   *transport.Endpoints
	dialed      []string

	feed chan []byte
}

var _ transport.Broker = (*Broker)(nil)

// New returns a disconnected broker
func New(name string, endpoints ...string) *Broker {
	return &Broker{
		name:      name,
		feed:      make(chan []byte, 1024),
		endpoints: transport.NewEndpoints(endpoints),
	}
}

func (b *Broker) Name() string { return b.name }

// Connect fails with the next scripted error, if any
func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connects++
	b.dialed = append(b.dialed, b.endpoints.Next())
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		if err != nil {
			return errors.WrapTransient(err, b.name, "Connect", "dial")
		}
	}
	if !b.connected {
		b.connected = true
		b.lost = make(chan struct{})
	}
	return nil
}

// Consume delivers queued payloads until ctx is cancelled or the
// connection is severed
func (b *Broker) Consume(ctx context.Context, h transport.Handler) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotConnected, b.name, "Consume", "check connection")
	}
	lost := b.lost
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errors.WrapTransient(errors.ErrConnectionLost, b.name, "Consume", "receive")
		case p := <-b.feed:
			err := h.HandlePayload(ctx, p)
			b.mu.Lock()
			b.results = append(b.results, err)
			b.mu.Unlock()
		}
	}
}

// Disconnect always succeeds
func (b *Broker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	b.dropLocked()
	return nil
}

// Publish records the payload or fails with the next scripted error
func (b *Broker) Publish(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return errors.WrapTransient(errors.ErrNotConnected, b.name, "Publish", "check connection")
	}
	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		if err != nil {
			return errors.WrapTransient(err, b.name, "Publish", "send")
		}
	}
	b.published = append(b.published, Published{Key: key, Payload: append([]byte(nil), payload...)})
	return nil
}

// Deliver queues a payload for Consume
func (b *Broker) Deliver(payload []byte) { b.feed <- payload }

// Sever drops the current connection as a network failure would
func (b *Broker) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked()
}

func (b *Broker) dropLocked() {
	if b.connected {
		close(b.lost)
		b.connected = false
	}
}

// FailConnect scripts the results of the next Connect calls. A nil entry
// lets that call succeed.
func (b *Broker) FailConnect(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErrs = append(b.connectErrs, errs...)
}

// FailPublish scripts the results of the next Publish calls on a
// connected broker
func (b *Broker) FailPublish(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrs = append(b.publishErrs, errs...)
}

// Connected reports the connection state
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Connects counts Connect calls, failed ones included
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Disconnects counts Disconnect calls
func (b *Broker) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

// Dialed lists the endpoint chosen by each Connect call
func (b *Broker) Dialed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dialed...)
}

// Published returns everything published so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Results returns the handler result for every consumed payload
func (b *Broker) Results() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.results...)
}
