// Package amqpbroker implements transport.Broker over AMQP 0-9-1
// (RabbitMQ). The firehose is a fanout exchange bound to a per-process
// auto-delete queue; alerts go to a topic exchange.
package amqpbroker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
)

// Kind is the registry name of this broker
const Kind = "amqp"

const (
	DefaultFirehose          = "noit.firehose"
	DefaultExchangeType      = "fanout"
	DefaultAlertExchange     = "noit.alerts"
	DefaultAlertExchangeType = "topic"
	defaultPort              = 5672
)

// Broker owns one connection and one channel at a time
type Broker struct {
	cfg       transport.Config
	endpoints *transport.Endpoints
	logger    *slog.Logger
	queue     string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ transport.Broker = (*Broker)(nil)

// New builds an unconnected broker
func New(cfg transport.Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Firehose == "" {
		cfg.Firehose = DefaultFirehose
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = DefaultExchangeType
	}
	if cfg.AlertDestination == "" {
		cfg.AlertDestination = DefaultAlertExchange
	}
	if cfg.VirtualHost == "" {
		cfg.VirtualHost = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:       cfg,
		endpoints: transport.NewEndpoints(cfg.Endpoints),
		logger:    logger,
		queue:     cfg.QueueName(),
	}, nil
}

// Register adds the amqp factory to r
func Register(r *transport.Registry) error {
	return r.Register(Kind, func(cfg transport.Config, logger *slog.Logger) (transport.Broker, error) {
		return New(cfg, logger)
	})
}

func (b *Broker) Name() string { return Kind }

// HeartbeatSeconds rounds d up to whole seconds, the protocol's unit
func HeartbeatSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

// URI builds the connection URI for an endpoint. Endpoints are either full
// amqp:// URIs or host[:port].
func URI(endpoint string, cfg transport.Config) (string, error) {
	if strings.Contains(endpoint, "://") {
		if _, err := amqp.ParseURI(endpoint); err != nil {
			return "", errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"AMQPBroker", "URI", "parse endpoint")
		}
		return endpoint, nil
	}

	host, port := endpoint, defaultPort
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", errors.WrapFatal(fmt.Errorf("%w: port %q", errors.ErrInvalidConfig, p),
				"AMQPBroker", "URI", "parse endpoint")
		}
		host, port = h, n
	}
	user, pass := cfg.Username, cfg.Password
	if user == "" {
		user, pass = "guest", "guest"
	}
	vhost := cfg.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: user,
		Password: pass,
		Vhost:    vhost,
	}.String(), nil
}

// Connect dials the next endpoint and declares the firehose exchange, the
// consumer queue with its bindings, and the alert exchange. A previous
// connection is dropped first.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	b.closeLocked()

	endpoint := b.endpoints.Next()
	uri, err := URI(endpoint, b.cfg)
	if err != nil {
		return err
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(b.queue)
	conn, err := amqp.DialConfig(uri, amqp.Config{
		Heartbeat:  HeartbeatSeconds(b.cfg.Heartbeat),
		Vhost:      b.cfg.VirtualHost,
		Properties: props,
		Dial:       dialer(ctx, b.cfg.ConnectTimeout),
	})
	if err != nil {
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "dial "+endpoint)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "open channel")
	}
	if err := b.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "declare topology")
	}

	b.conn, b.channel = conn, ch
	b.logger.Info("Connected", "endpoint", endpoint, "exchange", b.cfg.Firehose, "queue", b.queue)
	return nil
}

// dialer bounds the TCP dial by both ctx and the connect timeout
func dialer(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		// the handshake must also finish within the timeout
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (b *Broker) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.cfg.Firehose, b.cfg.ExchangeType, b.cfg.DurableExchange, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange %s: %w", b.cfg.Firehose, err)
	}
	if b.cfg.DeadLetter != "" {
		if err := b.declareDeadLetter(ch); err != nil {
			return err
		}
	}
	q, err := ch.QueueDeclare(b.queue, b.cfg.DurableQueue, true, b.cfg.ExclusiveQueue, false, b.queueArgs())
	if err != nil {
		return fmt.Errorf("queue %s: %w", b.queue, err)
	}
	b.queue = q.Name
	for _, key := range b.cfg.BindingKeys() {
		if err := ch.QueueBind(q.Name, key, b.cfg.Firehose, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s with %q: %w", q.Name, b.cfg.Firehose, key, err)
		}
	}
	if err := ch.ExchangeDeclare(b.cfg.AlertDestination, DefaultAlertExchangeType, false, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange %s: %w", b.cfg.AlertDestination, err)
	}
	return nil
}

// declareDeadLetter creates the dead letter exchange and a durable queue
// of the same name bound to it, so rejected payloads are kept
func (b *Broker) declareDeadLetter(ch *amqp.Channel) error {
	dl := b.cfg.DeadLetter
	if err := ch.ExchangeDeclare(dl, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dead letter exchange %s: %w", dl, err)
	}
	if _, err := ch.QueueDeclare(dl, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dead letter queue %s: %w", dl, err)
	}
	if err := ch.QueueBind(dl, "", dl, false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue %s: %w", dl, err)
	}
	return nil
}

// queueArgs routes rejected deliveries to the dead letter exchange
func (b *Broker) queueArgs() amqp.Table {
	if b.cfg.DeadLetter == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": b.cfg.DeadLetter}
}

// Consume delivers queue messages until the channel closes or ctx is
// cancelled. In manual ack mode a delivery is acked once the handler
// returns nil, dead-lettered when it is rejected and requeued otherwise.
func (b *Broker) Consume(ctx context.Context, h transport.Handler) error {
	b.mu.Lock()
	ch, queue := b.channel, b.queue
	b.mu.Unlock()
	if ch == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "AMQPBroker", "Consume", "check connection")
	}

	autoAck := b.cfg.Ack != transport.AckManual
	deliveries, err := ch.Consume(queue, "", autoAck, false, false, false, nil)
	if err != nil {
		return errors.WrapTransient(err, "AMQPBroker", "Consume", "start consumer on "+queue)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, amqpErr),
				"AMQPBroker", "Consume", "receive")
		case d, ok := <-deliveries:
			if !ok {
				return errors.WrapTransient(errors.ErrConnectionLost, "AMQPBroker", "Consume", "receive")
			}
			err := h.HandlePayload(ctx, d.Body)
			if autoAck {
				if err != nil {
					b.logger.Debug("Handler failed", "error", err)
				}
				continue
			}
			if err := b.settle(d, err); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) settle(d amqp.Delivery, handlerErr error) error {
	switch transport.Settle(handlerErr) {
	case transport.Ack:
		if err := d.Ack(false); err != nil {
			return errors.WrapTransient(err, "AMQPBroker", "Consume", "ack")
		}
	case transport.Reject:
		if b.cfg.DeadLetter == "" {
			b.logger.Warn("Handler rejected delivery, discarding", "error", handlerErr)
		} else {
			b.logger.Debug("Handler rejected delivery, dead-lettering", "dead_letter", b.cfg.DeadLetter, "error", handlerErr)
		}
		if err := d.Nack(false, false); err != nil {
			return errors.WrapTransient(err, "AMQPBroker", "Consume", "reject")
		}
	default:
		b.logger.Debug("Handler failed, requeueing", "error", handlerErr)
		if err := d.Nack(false, true); err != nil {
			return errors.WrapTransient(err, "AMQPBroker", "Consume", "nack")
		}
	}
	return nil
}

// Disconnect closes the channel and connection, ignoring errors
func (b *Broker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func (b *Broker) closeLocked() {
	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// Publish sends payload to the alert exchange with key as routing key
func (b *Broker) Publish(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return errors.WrapTransient(errors.ErrNotConnected, "AMQPBroker", "Publish", "check connection")
	}
	err := ch.PublishWithContext(ctx, b.cfg.AlertDestination, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
	if err != nil {
		return errors.WrapTransient(err, "AMQPBroker", "Publish", "publish "+key)
	}
	return nil
}
