package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stratcon/engine"
	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
	"github.com/c360/stratcon/pkg/worker"
	"github.com/c360/stratcon/transport/transporttest"
)

// gatedBroker holds every Publish until the gate opens
type gatedBroker struct {
	*transporttest.Broker
	gate chan struct{}
}

func (g *gatedBroker) Publish(ctx context.Context, key string, payload []byte) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Broker.Publish(ctx, key, payload)
}

func TestRender(t *testing.T) {
	out, err := Render("cpu_hot", engine.Row{"value": 97.5, "target": "10.0.0.1", "weight": nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu_hot":{"value":97.5,"target":"10.0.0.1","weight":null}}`, string(out))
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(nil, Config{})
	assert.True(t, pkgerrors.IsFatal(err))

	_, err = NewPublisher(transporttest.New("fake"), Config{Policy: "maybe"})
	assert.True(t, pkgerrors.IsFatal(err))

	p, err := NewPublisher(transporttest.New("fake"), Config{})
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p.cfg.Policy, "block is the default")
	assert.Equal(t, DefaultPrefix, p.cfg.Prefix)
}

func TestPublisher_ListenerPublishesRows(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b := transporttest.New("fake")
	p, err := NewPublisher(b, Config{}, WithMetrics(registry.CoreMetrics()), WithMetricsRegistry(registry))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, b.Connected(), "start connects the broker")

	l := p.ListenerFor(message.QueryInstall{ID: "q1", Name: "cpu"})
	l.Update([]engine.Row{{"value": 1.0}, {"value": 2.0}})
	require.NoError(t, p.Stop(time.Second))

	published := b.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "noit.alerts.cpu", published[0].Key)
	assert.JSONEq(t, `{"cpu":{"value":1}}`, string(published[0].Payload))
	assert.JSONEq(t, `{"cpu":{"value":2}}`, string(published[1].Payload))

	m := registry.CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("cpu")))
	assert.Equal(t, int64(2), p.Stats().Processed)
}

func TestPublisher_ReconnectsOnPublishFailure(t *testing.T) {
	b := transporttest.New("fake")
	p, err := NewPublisher(b, Config{Prefix: "alerts."})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	b.FailPublish(errors.New("channel closed"))
	require.NoError(t, p.Enqueue(Alert{Query: "mem", Key: "alerts.mem", Payload: []byte("{}")}))
	require.NoError(t, p.Stop(time.Second))

	assert.Len(t, b.Published(), 1)
	assert.Equal(t, 2, b.Connects())
}

func TestPublisher_PublishErrorCounted(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b := transporttest.New("fake")
	p, err := NewPublisher(b, Config{}, WithMetrics(registry.CoreMetrics()))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	boom := errors.New("down")
	b.FailPublish(boom, boom)
	require.NoError(t, p.Enqueue(Alert{Query: "mem", Key: "k", Payload: []byte("{}")}))
	require.NoError(t, p.Stop(time.Second))

	assert.Empty(t, b.Published())
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().AlertErrors))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPublisher_DropPolicy(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b := &gatedBroker{Broker: transporttest.New("fake"), gate: make(chan struct{})}
	p, err := NewPublisher(b, Config{QueueSize: 1, Policy: PolicyDrop}, WithMetrics(registry.CoreMetrics()))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	a := Alert{Query: "cpu", Key: "noit.alerts.cpu", Payload: []byte("{}")}
	require.NoError(t, p.Enqueue(a))
	// the worker holds the first alert at the gate
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Enqueue(a))

	err = p.Enqueue(a)
	assert.ErrorIs(t, err, worker.ErrQueueFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().AlertsDropped))

	close(b.gate)
	require.NoError(t, p.Stop(time.Second))
	assert.Len(t, b.Published(), 2)
}

func TestPublisher_BlockPolicyWaitsForRoom(t *testing.T) {
	b := &gatedBroker{Broker: transporttest.New("fake"), gate: make(chan struct{})}
	p, err := NewPublisher(b, Config{QueueSize: 1})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	a := Alert{Query: "cpu", Key: "k", Payload: []byte("{}")}
	require.NoError(t, p.Enqueue(a))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Enqueue(a))

	done := make(chan error, 1)
	go func() { done <- p.Enqueue(a) }()
	select {
	case <-done:
		t.Fatal("enqueue returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(b.gate)
	require.NoError(t, <-done)
	require.NoError(t, p.Stop(time.Second))
	assert.Len(t, b.Published(), 3, "nothing dropped")
}

func TestPublisher_BlockPolicyBoundedByContext(t *testing.T) {
	b := &gatedBroker{Broker: transporttest.New("fake"), gate: make(chan struct{})}
	defer close(b.gate)
	p, err := NewPublisher(b, Config{QueueSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	a := Alert{Query: "cpu", Key: "k", Payload: []byte("{}")}
	require.NoError(t, p.Enqueue(a))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Enqueue(a))

	cancel()
	assert.ErrorIs(t, p.Enqueue(a), context.Canceled)
}

func TestPublisher_EnqueueBeforeStartFailsFast(t *testing.T) {
	for _, policy := range []Policy{PolicyBlock, PolicyDrop} {
		t.Run(string(policy), func(t *testing.T) {
			registry := metric.NewMetricsRegistry()
			b := &gatedBroker{Broker: transporttest.New("fake"), gate: make(chan struct{})}
			defer close(b.gate)
			p, err := NewPublisher(b, Config{QueueSize: 1, Policy: policy}, WithMetrics(registry.CoreMetrics()))
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() { done <- p.Enqueue(Alert{Query: "cpu", Key: "k", Payload: []byte("{}")}) }()

			select {
			case err := <-done:
				require.Error(t, err)
				assert.ErrorIs(t, err, worker.ErrPoolNotStarted)
				assert.True(t, pkgerrors.IsTransient(err))
			case <-time.After(time.Second):
				t.Fatal("enqueue blocked on a publisher that was never started")
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().AlertsDropped))

			// the listener path returns as well
			p.ListenerFor(message.QueryInstall{ID: "q", Name: "cpu"}).Update([]engine.Row{{"value": 1.0}})
			assert.Equal(t, 2.0, testutil.ToFloat64(registry.CoreMetrics().AlertsDropped))
			assert.Empty(t, b.Published())
		})
	}
}

func TestPublisher_WithMemoryEngine(t *testing.T) {
	b := transporttest.New("fake")
	p, err := NewPublisher(b, Config{})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	eng, err := engine.NewMemory()
	require.NoError(t, err)
	stmt, err := eng.Create("q1", `{"from":"status","where":{"conditions":[{"field":"state","operator":"eq","value":"bad"}]},"select":["target","state"]}`)
	require.NoError(t, err)
	stmt.AddListener(p.ListenerFor(message.QueryInstall{ID: "q1", Name: "down"}))

	ctx := context.Background()
	id := message.Identity{Remote: "10.1.1.1", Timestamp: 1000, UUID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427", Target: "db1"}
	require.NoError(t, eng.Send(ctx, message.NewStatusEvent(id, "good", "available", 5, "ok")))
	require.NoError(t, eng.Send(ctx, message.NewStatusEvent(id, "bad", "unavailable", 5, "timeout")))
	require.NoError(t, p.Stop(time.Second))

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "noit.alerts.down", published[0].Key)
	assert.JSONEq(t, `{"down":{"target":"db1","state":"bad"}}`, string(published[0].Payload))
}
