package natsbroker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/natsclient"
	"github.com/c360/stratcon/transport"
)

func TestStreamName(t *testing.T) {
	assert.Equal(t, "NOIT_FIREHOSE", StreamName("noit.firehose"))
	assert.Equal(t, "NOIT_ALERTS", StreamName("noit.alerts"))
}

func TestNew(t *testing.T) {
	_, err := New(transport.Config{}, nil)
	assert.True(t, errors.IsFatal(err))

	b, err := New(transport.Config{Endpoints: []string{"nats://127.0.0.1:4222"}, Ack: transport.AckManual}, nil)
	require.NoError(t, err)
	assert.Equal(t, "noit.firehose", b.cfg.Firehose)
	assert.Equal(t, Kind, b.Name())

	sc := b.streamConsumer()
	assert.Equal(t, "NOIT_FIREHOSE", sc.Stream)
	assert.Equal(t, natsclient.AckAfterProcess, sc.Ack)
	assert.Equal(t, "stratcon-iep", sc.Durable)

	assert.Equal(t, "noit.alerts.cpu", b.alertSubject("noit.alerts.cpu"))
	b.cfg.AlertDestination = "site1"
	assert.Equal(t, "site1.noit.alerts.cpu", b.alertSubject("noit.alerts.cpu"))

	for _, dl := range []string{"noit.firehose", "noit.firehose.dead"} {
		_, err = New(transport.Config{Endpoints: []string{"nats://127.0.0.1:4222"}, DeadLetter: dl}, nil)
		assert.True(t, errors.IsFatal(err), "dead letter %q would be consumed again", dl)
	}
	b, err = New(transport.Config{Endpoints: []string{"nats://127.0.0.1:4222"}, DeadLetter: "noit.dead"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "noit.dead", b.streamConsumer().DeadLetter)
}

func TestBroker_CircuitBreakerGatesReconnects(t *testing.T) {
	b, err := New(transport.Config{
		Endpoints:      []string{"nats://127.0.0.1:1"},
		ConnectTimeout: 200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for range circuitThreshold {
		err := b.Connect(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, errors.ErrCircuitOpen)
	}
	require.Len(t, b.clients, 1, "one client per endpoint")

	start := time.Now()
	err = b.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open circuit fails without dialing")

	require.NoError(t, b.Disconnect(ctx))
	assert.ErrorIs(t, b.Connect(ctx), errors.ErrCircuitOpen, "the breaker outlives a disconnect")
	assert.Equal(t, natsclient.StatusCircuitOpen, b.clients["nats://127.0.0.1:1"].Status())
}

func TestBroker_RequiresConnection(t *testing.T) {
	b, err := New(transport.Config{Endpoints: []string{"nats://127.0.0.1:1"}}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, errors.IsTransient(b.Publish(ctx, "k", nil)))
	err = b.Consume(ctx, transport.HandlerFunc(func(context.Context, []byte) error { return nil }))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.NoError(t, b.Disconnect(ctx))
}

func TestRegister(t *testing.T) {
	r := transport.NewRegistry()
	require.NoError(t, Register(r))
	assert.Equal(t, []string{Kind}, r.Kinds())
}

type recorder struct {
	mu  sync.Mutex
	got []string
	err error
}

func (r *recorder) HandlePayload(_ context.Context, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, string(p))
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestIntegration_CoreConsumeAndPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tc := natsclient.NewTestClient(t)

	b, err := New(transport.Config{Endpoints: []string{tc.URL}}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Connect(ctx), "connect is idempotent")

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, rec) }()

	require.Eventually(t, func() bool {
		_ = tc.Client.Publish(ctx, "noit.firehose", []byte("M\tline"))
		return rec.count() > 0
	}, 5*time.Second, 50*time.Millisecond)

	alerts := make(chan *nats.Msg, 1)
	sub, err := tc.Client.GetConnection().ChanSubscribe("noit.alerts.>", alerts)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, tc.Client.GetConnection().Flush())

	require.NoError(t, transport.PublishWithReconnect(ctx, b, "noit.alerts.cpu", []byte(`{"v":1}`)))
	select {
	case msg := <-alerts:
		assert.Equal(t, "noit.alerts.cpu", msg.Subject)
		assert.JSONEq(t, `{"v":1}`, string(msg.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("alert not received")
	}

	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, b.Disconnect(context.Background()))
}

func TestIntegration_JetStreamInvalidPayloadNotRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	b, err := New(transport.Config{
		Endpoints:  []string{tc.URL},
		JetStream:  true,
		Ack:        transport.AckManual,
		DeadLetter: "noit.dead",
	}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Connect(ctx))

	dead := make(chan *nats.Msg, 1)
	sub, err := tc.Client.GetConnection().ChanSubscribe("noit.dead", dead)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, tc.Client.GetConnection().Flush())

	_, err = tc.Client.EnsureStream(ctx, natsclient.StreamConfigFor(b.streamConsumer()))
	require.NoError(t, err)
	require.NoError(t, tc.Client.PublishToStream(ctx, "noit.firehose", []byte("garbage")))

	rec := &recorder{err: errors.WrapInvalid(errors.ErrFieldCount, "Dispatcher", "HandlePayload", "decode")}
	go func() { _ = b.Consume(ctx, rec) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 10*time.Second, 50*time.Millisecond)
	time.Sleep(time.Second)
	assert.Equal(t, 1, rec.count(), "terminated, not redelivered")

	select {
	case msg := <-dead:
		assert.Equal(t, "garbage", string(msg.Data))
		assert.Equal(t, "noit.firehose", msg.Header.Get(natsclient.HeaderOriginalSubject))
		assert.Contains(t, msg.Header.Get(natsclient.HeaderRejectReason), "wrong number of fields")
	case <-time.After(5 * time.Second):
		t.Fatal("rejected payload not dead-lettered")
	}

	require.NoError(t, transport.PublishWithReconnect(ctx, b, "noit.alerts.cpu", []byte("{}")))
}
