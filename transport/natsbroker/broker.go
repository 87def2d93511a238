// Package natsbroker implements transport.Broker over NATS, consuming the
// firehose either from a core subject or from a durable JetStream consumer.
package natsbroker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/natsclient"
	"github.com/c360/stratcon/transport"
)

// Kind is the registry name of this broker
const Kind = "nats"

const (
	defaultFirehose = "noit.firehose"
	defaultDurable  = "stratcon-iep"

	// consecutive failed dials before an endpoint is skipped for a while
	circuitThreshold  = 3
	maxCircuitBackoff = time.Minute
)

// Broker keeps one natsclient.Client per endpoint, with client-side
// reconnects disabled, so each endpoint's circuit breaker outlives the
// connections it dials. At most one of them is connected.
type Broker struct {
	cfg       transport.Config
	endpoints *transport.Endpoints
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*natsclient.Client
	client  *natsclient.Client
}

var _ transport.Broker = (*Broker)(nil)

// New builds an unconnected broker
func New(cfg transport.Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Firehose == "" {
		cfg.Firehose = defaultFirehose
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaultDurable
	}
	if dl := cfg.DeadLetter; dl == cfg.Firehose || strings.HasPrefix(dl, cfg.Firehose+".") {
		return nil, errors.WrapFatal(fmt.Errorf("%w: dead letter subject %q is inside the firehose", errors.ErrInvalidConfig, dl),
			"NATSBroker", "New", "check dead letter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:       cfg,
		endpoints: transport.NewEndpoints(cfg.Endpoints),
		logger:    logger,
		clients:   make(map[string]*natsclient.Client),
	}, nil
}

// Register adds the nats factory to r
func Register(r *transport.Registry) error {
	return r.Register(Kind, func(cfg transport.Config, logger *slog.Logger) (transport.Broker, error) {
		return New(cfg, logger)
	})
}

func (b *Broker) Name() string { return Kind }

// Connect is a no-op while connected. Otherwise it dials the next endpoint;
// an endpoint whose circuit is open fails fast with errors.ErrCircuitOpen.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.client.IsHealthy() {
		return nil
	}
	b.releaseLocked(ctx)

	client, err := b.clientFor(b.endpoints.Next())
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		b.logger.Debug("Connect failed", "endpoint", client.URL(), "failures", client.Failures(),
			"circuit_open", client.Status() == natsclient.StatusCircuitOpen, "backoff", client.Backoff(), "error", err)
		return err
	}
	if b.cfg.JetStream {
		if _, err := client.EnsureStream(dialCtx, b.alertStream()); err != nil {
			_ = client.Disconnect(ctx)
			return err
		}
	}
	b.client = client
	b.logger.Info("Connected", "endpoint", client.URL(), "jetstream", b.cfg.JetStream)
	return nil
}

// clientFor returns the endpoint's client, creating it on first use
func (b *Broker) clientFor(url string) (*natsclient.Client, error) {
	if client, ok := b.clients[url]; ok {
		return client, nil
	}
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(0),
		natsclient.WithTimeout(b.cfg.ConnectTimeout),
		natsclient.WithPingInterval(b.cfg.Heartbeat),
		natsclient.WithName(b.cfg.QueueName()),
		natsclient.WithLogger(b.logger),
		natsclient.WithCircuitBreakerThreshold(circuitThreshold),
		natsclient.WithMaxBackoff(maxCircuitBackoff),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			b.logger.Debug("Endpoint health changed", "endpoint", url, "healthy", healthy)
		}),
	}
	if b.cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(b.cfg.Username, b.cfg.Password))
	}
	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return nil, err
	}
	b.clients[url] = client
	return client, nil
}

// Consume reads the firehose subject, or the durable stream consumer when
// JetStream is enabled
func (b *Broker) Consume(ctx context.Context, h transport.Handler) error {
	client := b.current()
	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "NATSBroker", "Consume", "check connection")
	}
	handler := natsclient.Handler(h.HandlePayload)

	if !b.cfg.JetStream {
		return client.ConsumeSubject(ctx, b.cfg.Firehose, b.cfg.QueueName(), handler)
	}
	return client.ConsumeStream(ctx, b.streamConsumer(), handler)
}

func (b *Broker) streamConsumer() natsclient.StreamConsumer {
	ack := natsclient.AckBeforeProcess
	if b.cfg.Ack == transport.AckManual {
		ack = natsclient.AckAfterProcess
	}
	return natsclient.StreamConsumer{
		Stream:     StreamName(b.cfg.Firehose),
		Subjects:   []string{b.cfg.Firehose, b.cfg.Firehose + ".>"},
		Durable:    b.cfg.Consumer,
		Ack:        ack,
		DeadLetter: b.cfg.DeadLetter,
	}
}

// StreamName derives a JetStream stream name from a subject
func StreamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "ANY", ">", "ALL").Replace(subject))
}

// Disconnect drops the current connection, if any. Endpoint clients and
// their breakers are kept for the next Connect.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(ctx)
	return nil
}

func (b *Broker) releaseLocked(ctx context.Context) {
	if b.client == nil {
		return
	}
	if err := b.client.Disconnect(ctx); err != nil {
		b.logger.Debug("Disconnect failed", "error", err)
	}
	b.client = nil
}

// Publish sends payload to the alert subject for key. With JetStream the
// publish waits for the stream acknowledgement.
func (b *Broker) Publish(ctx context.Context, key string, payload []byte) error {
	client := b.current()
	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "NATSBroker", "Publish", "check connection")
	}
	subject := b.alertSubject(key)
	if b.cfg.JetStream {
		return client.PublishToStream(ctx, subject, payload)
	}
	return client.Publish(ctx, subject, payload)
}

// alertStream captures every alert subject so JetStream publishes are
// acknowledged
func (b *Broker) alertStream() jetstream.StreamConfig {
	root := b.cfg.AlertDestination
	if root == "" {
		root = "noit.alerts"
	}
	return jetstream.StreamConfig{Name: StreamName(root), Subjects: []string{root + ".>"}}
}

func (b *Broker) alertSubject(key string) string {
	if b.cfg.AlertDestination == "" {
		return key
	}
	return fmt.Sprintf("%s.%s", b.cfg.AlertDestination, key)
}

func (b *Broker) current() *natsclient.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}
