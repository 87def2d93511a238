// Package redisbroker implements transport.Broker over Redis Streams. The
// firehose is read through a consumer group and alerts are appended to a
// stream per destination.
package redisbroker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
)

// Kind is the registry name of this broker
const Kind = "redis"

const (
	defaultFirehose = "noit.firehose"
	// payloadField holds the wire bytes in every stream entry
	payloadField = "payload"
	keyField     = "key"
	idField      = "id"
	errorField   = "error"
	readCount    = 64
)

// Broker reads the firehose stream as one consumer of a group
type Broker struct {
	cfg       transport.Config
	endpoints *transport.Endpoints
	logger    *slog.Logger
	group     string
	consumer  string

	mu     sync.Mutex
	client *redis.Client
}

var _ transport.Broker = (*Broker)(nil)

// New builds an unconnected broker. The group is the expanded queue name
// so that each process sees the whole firehose.
func New(cfg transport.Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Firehose == "" {
		cfg.Firehose = defaultFirehose
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = cfg.Firehose + ".dead"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:       cfg,
		endpoints: transport.NewEndpoints(cfg.Endpoints),
		logger:    logger,
		group:     cfg.QueueName(),
		consumer:  consumer,
	}, nil
}

// Register adds the redis factory to r
func Register(r *transport.Registry) error {
	return r.Register(Kind, func(cfg transport.Config, logger *slog.Logger) (transport.Broker, error) {
		return New(cfg, logger)
	})
}

func (b *Broker) Name() string { return Kind }

// Connect dials the next endpoint and creates the consumer group (and
// stream) when missing
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}

	addr := b.endpoints.Next()
	opts, err := clientOptions(addr, b.cfg)
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(dialCtx).Err(); err != nil {
		_ = client.Close()
		return errors.WrapTransient(err, "RedisBroker", "Connect", "ping "+addr)
	}
	err = client.XGroupCreateMkStream(dialCtx, b.cfg.Firehose, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		_ = client.Close()
		return errors.WrapTransient(err, "RedisBroker", "Connect", "create group "+b.group)
	}

	b.client = client
	b.logger.Info("Connected", "endpoint", addr, "stream", b.cfg.Firehose, "group", b.group)
	return nil
}

func clientOptions(addr string, cfg transport.Config) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"RedisBroker", "Connect", "parse endpoint")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = cfg.ConnectTimeout
	// a blocking XREADGROUP waits one heartbeat; leave room for the reply
	opts.ReadTimeout = cfg.Heartbeat + cfg.ConnectTimeout
	opts.MaxRetries = -1
	return opts, nil
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Consume reads entries for the group. In auto ack mode entries are
// acknowledged on receipt. In manual mode they are acknowledged once the
// handler returns nil, moved to the dead letter stream when rejected, and
// otherwise left pending; entries left pending by an earlier connection
// are replayed before new ones.
func (b *Broker) Consume(ctx context.Context, h transport.Handler) error {
	client := b.current()
	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "RedisBroker", "Consume", "check connection")
	}

	// "0" reads this consumer's pending entries, ">" only new ones
	start := ">"
	if b.cfg.Ack == transport.AckManual {
		start = "0"
	}
	for {
		args := &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.cfg.Firehose, start},
			Count:    readCount,
		}
		if start == ">" {
			args.Block = b.cfg.Heartbeat
		} else {
			args.Block = -1
		}
		streams, err := client.XReadGroup(ctx, args).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case stderrors.Is(err, redis.Nil):
			continue
		case err != nil:
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"RedisBroker", "Consume", "read group")
		}

		last := ""
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				last = entry.ID
				if err := b.deliver(ctx, client, h, entry); err != nil {
					return err
				}
			}
		}
		if start != ">" {
			// pending replay walks forward by id until exhausted
			start = last
			if last == "" {
				start = ">"
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, client *redis.Client, h transport.Handler, entry redis.XMessage) error {
	payload := entryPayload(entry)
	if b.cfg.Ack == transport.AckAuto {
		if err := b.ack(ctx, client, entry.ID); err != nil {
			return err
		}
		if err := h.HandlePayload(ctx, payload); err != nil {
			b.logger.Debug("Handler failed", "id", entry.ID, "error", err)
		}
		return nil
	}

	err := h.HandlePayload(ctx, payload)
	switch transport.Settle(err) {
	case transport.Ack:
		return b.ack(ctx, client, entry.ID)
	case transport.Reject:
		return b.deadLetter(ctx, client, entry.ID, payload, err)
	default:
		b.logger.Debug("Handler failed, entry left pending", "id", entry.ID, "error", err)
		return nil
	}
}

// deadLetter copies a rejected entry, with the reason, to the dead letter
// stream and acknowledges it in one transaction
func (b *Broker) deadLetter(ctx context.Context, client *redis.Client, id string, payload []byte, reason error) error {
	b.logger.Debug("Handler rejected entry, dead-lettering", "id", id, "dead_letter", b.cfg.DeadLetter, "error", reason)
	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.DeadLetter,
			Values: map[string]any{idField: id, payloadField: payload, errorField: reason.Error()},
		})
		pipe.XAck(ctx, b.cfg.Firehose, b.group, id)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"RedisBroker", "Consume", "dead-letter "+id)
	}
	return nil
}

func (b *Broker) ack(ctx context.Context, client *redis.Client, id string) error {
	if err := client.XAck(ctx, b.cfg.Firehose, b.group, id).Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"RedisBroker", "Consume", "ack "+id)
	}
	return nil
}

func entryPayload(entry redis.XMessage) []byte {
	switch v := entry.Values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// Disconnect closes the client, if any
func (b *Broker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			b.logger.Debug("Close failed", "error", err)
		}
		b.client = nil
	}
	return nil
}

// Publish appends the alert to the destination stream, or to a stream
// named by key when no destination is configured
func (b *Broker) Publish(ctx context.Context, key string, payload []byte) error {
	client := b.current()
	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "RedisBroker", "Publish", "check connection")
	}
	stream := b.cfg.AlertDestination
	if stream == "" {
		stream = key
	}
	err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{keyField: key, payloadField: payload},
	}).Err()
	if err != nil {
		return errors.WrapTransient(err, "RedisBroker", "Publish", "xadd "+stream)
	}
	return nil
}

// Append writes a firehose entry; agents and tests use it to feed the
// stream this broker consumes
func Append(ctx context.Context, client *redis.Client, stream string, payload []byte) error {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
}

func (b *Broker) current() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}
