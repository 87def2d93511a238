package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stratcon/errors"
)

// Handler processes one received payload. For manually acknowledged
// consumers a nil return acks the message, an invalid-input error
// dead-letters and terminates it and any other error naks it.
type Handler func(ctx context.Context, data []byte) error

// AckPolicy selects when JetStream messages are acknowledged
type AckPolicy int

const (
	// AckBeforeProcess acks on receipt: at-most-once
	AckBeforeProcess AckPolicy = iota
	// AckAfterProcess acks only after the handler returns nil: at-least-once
	AckAfterProcess
)

// subjectBuffer bounds messages pending between the NATS reader and the
// consuming goroutine
const subjectBuffer = 1024

// ConsumeSubject subscribes to a core NATS subject (in a queue group when
// queue is not empty) and runs handler on the calling goroutine for every
// message, in arrival order. Handler errors are logged and consumption
// continues. It returns nil when ctx is cancelled and an error when the
// connection is lost.
func (m *Client) ConsumeSubject(ctx context.Context, subject, queue string, handler Handler) error {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "ConsumeSubject", "check connection")
	}
	lost := m.Lost()

	ch := make(chan *nats.Msg, subjectBuffer)
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = conn.ChanQueueSubscribe(subject, queue, ch)
	} else {
		sub, err = conn.ChanSubscribe(subject, ch)
	}
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeSubject", fmt.Sprintf("subscribe to %s", subject))
	}
	defer func() { _ = sub.Unsubscribe() }()

	m.logger.Info("Consuming subject", "subject", subject, "queue", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errors.WrapTransient(errors.ErrConnectionLost, "Client", "ConsumeSubject", "receive")
		case msg := <-ch:
			if err := handler(ctx, msg.Data); err != nil {
				m.logger.Debug("Handler failed", "subject", msg.Subject, "error", err)
			}
		}
	}
}

// StreamConsumer describes a durable JetStream consumer
type StreamConsumer struct {
	Stream   string
	Subjects []string
	Durable  string
	Filter   string
	Ack      AckPolicy
	// DeadLetter is the subject rejected messages are copied to before
	// they are terminated. Empty terminates them in place.
	DeadLetter string
}

// Headers set on dead-lettered messages
const (
	HeaderOriginalSubject = "Stratcon-Original-Subject"
	HeaderRejectReason    = "Stratcon-Reject-Reason"
)

// StreamConfigFor is the stream ConsumeStream creates for sc
func StreamConfigFor(sc StreamConsumer) jetstream.StreamConfig {
	return jetstream.StreamConfig{Name: sc.Stream, Subjects: sc.Subjects}
}

// EnsureStream creates the stream if it does not exist
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.Stream(ctx, cfg.Name)
	if err == nil {
		return stream, nil
	}
	stream, err = js.CreateStream(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			return js.Stream(ctx, cfg.Name)
		}
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", cfg.Name))
	}
	m.logger.Info("Created stream", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// ConsumeStream binds a durable pull consumer and runs handler on the
// calling goroutine for every message. With AckAfterProcess a message is
// acked only when handler returns nil, dead-lettered and terminated when
// the handler reports invalid input and nakked for redelivery otherwise. It returns nil when
// ctx is cancelled and an error when the connection is lost or the
// consumer fails.
func (m *Client) ConsumeStream(ctx context.Context, sc StreamConsumer, handler Handler) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrNotConnected, "Client", "ConsumeStream", "client is closed")
	}
	stream, err := m.EnsureStream(ctx, StreamConfigFor(sc))
	if err != nil {
		return err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       sc.Durable,
		FilterSubject: sc.Filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeStream", fmt.Sprintf("create consumer %s", sc.Durable))
	}

	iter, err := consumer.Messages()
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeStream", "start message iterator")
	}
	defer iter.Stop()

	lost := m.Lost()
	returned := make(chan struct{})
	defer close(returned)
	go func() {
		select {
		case <-ctx.Done():
		case <-lost:
		case <-returned:
		}
		iter.Stop()
	}()

	m.logger.Info("Consuming stream", "stream", sc.Stream, "durable", sc.Durable)
	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "Client", "ConsumeStream", "next message")
		}

		if sc.Ack == AckBeforeProcess {
			if err := msg.Ack(); err != nil {
				m.logger.Warn("Ack failed", "error", err)
			}
			if err := handler(ctx, msg.Data()); err != nil {
				m.logger.Debug("Handler failed", "subject", msg.Subject(), "error", err)
			}
			continue
		}

		m.settle(sc, msg, handler(ctx, msg.Data()))
	}
}

// settle acks, naks or dead-letters msg according to the handler result.
// A rejected message whose dead letter copy cannot be published is nakked
// so it is not lost.
func (m *Client) settle(sc StreamConsumer, msg jetstream.Msg, handlerErr error) {
	switch {
	case handlerErr == nil:
		if err := msg.Ack(); err != nil {
			m.logger.Warn("Ack failed", "error", err)
		}
	case errors.IsInvalid(handlerErr):
		if sc.DeadLetter != "" {
			if err := m.publishDeadLetter(sc.DeadLetter, msg, handlerErr); err != nil {
				m.logger.Warn("Dead letter publish failed, message will be redelivered", "error", err)
				if nakErr := msg.Nak(); nakErr != nil {
					m.logger.Warn("Nak failed", "error", nakErr)
				}
				return
			}
		}
		m.logger.Debug("Handler rejected message", "subject", msg.Subject(), "error", handlerErr)
		if err := msg.TermWithReason(handlerErr.Error()); err != nil {
			m.logger.Warn("Term failed", "error", err)
		}
	default:
		m.logger.Debug("Handler failed, message will be redelivered", "subject", msg.Subject(), "error", handlerErr)
		if err := msg.Nak(); err != nil {
			m.logger.Warn("Nak failed", "error", err)
		}
	}
}

func (m *Client) publishDeadLetter(subject string, msg jetstream.Msg, reason error) error {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "publishDeadLetter", "check connection")
	}
	dl := nats.NewMsg(subject)
	dl.Data = msg.Data()
	dl.Header.Set(HeaderOriginalSubject, msg.Subject())
	dl.Header.Set(HeaderRejectReason, reason.Error())
	if err := conn.PublishMsg(dl); err != nil {
		return errors.WrapTransient(err, "Client", "publishDeadLetter", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}
