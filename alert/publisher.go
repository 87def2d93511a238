package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/stratcon/engine"
	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
	"github.com/c360/stratcon/pkg/worker"
	"github.com/c360/stratcon/transport"
)

// Policy decides what a listener does when the queue is full
type Policy string

const (
	// PolicyBlock waits for room, bounded by the publisher's context
	PolicyBlock Policy = "block"
	// PolicyDrop counts and logs the alert, then discards it
	PolicyDrop Policy = "drop"
)

const (
	DefaultQueueSize      = 1024
	DefaultPrefix         = "noit.alerts."
	DefaultPublishTimeout = 10 * time.Second
)

// Config controls queueing and routing
type Config struct {
	QueueSize      int
	Policy         Policy
	Prefix         string
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Policy == "" {
		c.Policy = PolicyBlock
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	return c
}

// Alert is one rendered result row bound for the broker
type Alert struct {
	Query   string
	Key     string
	Payload []byte
}

// Publisher owns the alert queue and the broker alerts are published on
type Publisher struct {
	broker  transport.Broker
	cfg     Config
	pool    *worker.Pool[Alert]
	logger  *slog.Logger
	metrics *metric.Metrics

	// ctx is the context Start was given; nil until then
	mu  sync.RWMutex
	ctx context.Context
}

// Option configures a Publisher
type Option func(*publisherOptions)

type publisherOptions struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *publisherOptions) { o.logger = logger }
}

// WithMetrics records published, dropped and failed alerts
func WithMetrics(m *metric.Metrics) Option {
	return func(o *publisherOptions) { o.metrics = m }
}

// WithMetricsRegistry exports the queue's worker pool metrics
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(o *publisherOptions) { o.registry = r }
}

// NewPublisher builds a stopped publisher over broker
func NewPublisher(broker transport.Broker, cfg Config, opts ...Option) (*Publisher, error) {
	if broker == nil {
		return nil, pkgerrors.WrapFatal(fmt.Errorf("%w: nil broker", pkgerrors.ErrMissingConfig),
			"Publisher", "NewPublisher", "check broker")
	}
	cfg = cfg.withDefaults()
	if cfg.Policy != PolicyBlock && cfg.Policy != PolicyDrop {
		return nil, pkgerrors.WrapFatal(fmt.Errorf("%w: alert policy %q", pkgerrors.ErrInvalidConfig, cfg.Policy),
			"Publisher", "NewPublisher", "check policy")
	}

	o := publisherOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Publisher{
		broker:  broker,
		cfg:     cfg,
		logger:  o.logger.With("component", "alert"),
		metrics: o.metrics,
	}
	var poolOpts []worker.Option[Alert]
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[Alert](o.registry, "alert_queue"))
	}
	pool, err := worker.NewPool(1, cfg.QueueSize, p.publish, poolOpts...)
	if err != nil {
		return nil, pkgerrors.WrapFatal(err, "Publisher", "NewPublisher", "create queue")
	}
	p.pool = pool
	return p, nil
}

// Start connects the broker and starts the publishing worker. A failed
// connect is logged; the first publish reconnects.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	if err := p.broker.Connect(ctx); err != nil {
		p.logger.Warn("Alert broker connect failed", "broker", p.broker.Name(), "error", err)
	}
	return p.pool.Start(ctx)
}

// Stop drains queued alerts for up to timeout and disconnects the broker
func (p *Publisher) Stop(timeout time.Duration) error {
	err := p.pool.Stop(timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = p.broker.Disconnect(ctx)
	return err
}

// Stats exposes the queue counters
func (p *Publisher) Stats() worker.PoolStats { return p.pool.Stats() }

// Enqueue hands an alert to the worker according to the policy. Before
// Start it fails at once under either policy.
func (p *Publisher) Enqueue(a Alert) error {
	p.mu.RLock()
	ctx := p.ctx
	p.mu.RUnlock()
	if ctx == nil {
		p.metrics.RecordAlertDropped()
		return pkgerrors.WrapTransient(worker.ErrPoolNotStarted, "Publisher", "Enqueue", "check queue")
	}

	if p.cfg.Policy == PolicyDrop {
		err := p.pool.Submit(a)
		if errors.Is(err, worker.ErrQueueFull) {
			p.metrics.RecordAlertDropped()
			p.logger.Warn("Alert queue full, dropping alert", "query", a.Query)
		}
		return err
	}
	return p.pool.SubmitWait(ctx, a)
}

// ListenerFor returns the engine listener of one query. Its signature
// matches dispatch.ListenerFactory.
func (p *Publisher) ListenerFor(q message.QueryInstall) engine.Listener {
	key := p.cfg.Prefix + q.Name
	return engine.NewListener(func(rows []engine.Row) {
		for _, row := range rows {
			payload, err := Render(q.Name, row)
			if err != nil {
				p.metrics.RecordAlertError()
				p.logger.Error("Render alert failed", "query", q.Name, "error", err)
				continue
			}
			if err := p.Enqueue(Alert{Query: q.Name, Key: key, Payload: payload}); err != nil {
				p.logger.Debug("Alert not queued", "query", q.Name, "error", err)
			}
		}
	})
}

// Render produces the alert body: an object holding the row under the
// query's name
func Render(name string, row engine.Row) ([]byte, error) {
	return json.Marshal(map[string]engine.Row{name: row})
}

func (p *Publisher) publish(ctx context.Context, a Alert) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	if err := transport.PublishWithReconnect(ctx, p.broker, a.Key, a.Payload); err != nil {
		p.metrics.RecordAlertError()
		p.logger.Error("Publish alert failed", "query", a.Query, "key", a.Key, "error", err)
		return err
	}
	p.metrics.RecordAlertPublished(a.Query)
	return nil
}
