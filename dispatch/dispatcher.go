package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/stratcon/engine"
	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
)

// ListenerFactory builds the result listener attached to an installed query
type ListenerFactory func(q message.QueryInstall) engine.Listener

// Stats is a snapshot of the dispatch counters
type Stats struct {
	Processed int64
	Elapsed   time.Duration
}

// Dispatcher routes messages to the engine and keeps the registry
type Dispatcher struct {
	engine       engine.Engine
	registry     *Registry
	decoder      *message.Decoder
	interceptors []Interceptor
	listeners    ListenerFactory
	logger       *slog.Logger
	metrics      *metric.Metrics

	// commands serialises installs and stops
	commands sync.Mutex

	processed atomic.Int64
	elapsedUS atomic.Int64

	decodeLog  *rate.Limiter
	suppressed atomic.Int64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithInterceptor appends an interceptor; they are consulted in the order added
func WithInterceptor(i Interceptor) Option {
	return func(d *Dispatcher) {
		if i != nil {
			d.interceptors = append(d.interceptors, i)
		}
	}
}

// WithListenerFactory sets the factory for query result listeners
func WithListenerFactory(f ListenerFactory) Option {
	return func(d *Dispatcher) { d.listeners = f }
}

// WithRegistry shares an existing registry
func WithRegistry(r *Registry) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

// WithDecoder replaces the default wire decoder used by HandlePayload
func WithDecoder(dec *message.Decoder) Option {
	return func(d *Dispatcher) {
		if dec != nil {
			d.decoder = dec
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With("component", "dispatch")
		}
	}
}

// WithMetrics records core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDecodeLogRate limits decode error logs to perSecond with the given burst
func WithDecodeLogRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		d.decodeLog = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a dispatcher over eng
func New(eng engine.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:    eng,
		registry:  NewRegistry(),
		decoder:   message.NewDecoder(),
		logger:    slog.Default().With("component", "dispatch"),
		decodeLog: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the installed statement registry
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Stats returns the number of processed messages and the total time spent
// on them. Safe to call from any goroutine.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		Elapsed:   time.Duration(d.elapsedUS.Load()) * time.Microsecond,
	}
}

// Process handles one message
func (d *Dispatcher) Process(ctx context.Context, msg message.Message) error {
	if msg == nil {
		return nil
	}
	start := time.Now()
	err := d.process(ctx, msg)
	elapsed := time.Since(start)

	d.processed.Add(1)
	d.elapsedUS.Add(elapsed.Microseconds())
	d.metrics.RecordDispatch(string(msg.Kind()), elapsed, err)
	return err
}

// ProcessBatch handles every message and returns the first error
func (d *Dispatcher) ProcessBatch(ctx context.Context, msgs []message.Message) error {
	var firstErr error
	for _, msg := range msgs {
		if err := d.Process(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandlePayload decodes a newline-separated batch and dispatches every
// decoded record. Lines that fail to decode are logged and skipped. Once
// the whole batch is done the first processing error is returned, or an
// invalid-input error when only decoding failed. A payload starting with
// '<' is a single XML control document.
func (d *Dispatcher) HandlePayload(ctx context.Context, payload []byte) error {
	if doc := bytes.TrimLeft(payload, " \t\r\n"); len(doc) > 0 && doc[0] == '<' {
		return d.handleXML(ctx, doc)
	}
	msgs, decodeErrs := d.decoder.DecodeBatch(payload)
	for _, msg := range msgs {
		d.metrics.RecordDecoded(string(msg.Kind()))
	}
	d.metrics.RecordDecodeErrors(len(decodeErrs))
	for _, err := range decodeErrs {
		d.logDecodeError(err)
	}

	if err := d.ProcessBatch(ctx, msgs); err != nil {
		return err
	}
	if len(decodeErrs) > 0 {
		return errors.WrapInvalid(decodeErrs[0], "Dispatcher", "HandlePayload",
			fmt.Sprintf("decode %d of %d records", len(decodeErrs), len(msgs)+len(decodeErrs)))
	}
	return nil
}

func (d *Dispatcher) handleXML(ctx context.Context, doc []byte) error {
	msg, err := message.DecodeXML(doc)
	if err != nil {
		d.metrics.RecordDecodeErrors(1)
		d.logDecodeError(err)
		return err
	}
	d.metrics.RecordDecoded(string(msg.Kind()))
	return d.Process(ctx, msg)
}

func (d *Dispatcher) logDecodeError(err error) {
	if !d.decodeLog.Allow() {
		d.suppressed.Add(1)
		return
	}
	if n := d.suppressed.Swap(0); n > 0 {
		d.logger.Warn("Decode failed", "error", err, "suppressed", n)
		return
	}
	d.logger.Warn("Decode failed", "error", err)
}

func (d *Dispatcher) process(ctx context.Context, msg message.Message) error {
	claimed, err := d.intercept(ctx, msg)
	if err != nil || claimed {
		return err
	}

	switch m := msg.(type) {
	case *message.BundleEvent:
		return d.processBundle(ctx, m)
	case message.Event:
		return d.engine.Send(ctx, m)
	case message.StatementInstall:
		return d.install(m.ID, message.KindStatementInstall, "", m.Query, nil)
	case message.QueryInstall:
		var l engine.Listener
		if d.listeners != nil {
			l = d.listeners(m)
		}
		return d.install(m.ID, message.KindQueryInstall, m.Name, m.Query, l)
	case message.QueryStop:
		d.Stop(m.ID)
		return nil
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: %T", errors.ErrInvalidData, msg),
			"Dispatcher", "Process", "route message")
	}
}

func (d *Dispatcher) intercept(ctx context.Context, msg message.Message) (bool, error) {
	for _, i := range d.interceptors {
		claimed, err := i.Intercept(ctx, msg)
		if err != nil {
			return false, err
		}
		if claimed {
			return true, nil
		}
	}
	return false, nil
}

// processBundle routes each constituent on its own. Every constituent is
// attempted; the first failure is returned.
func (d *Dispatcher) processBundle(ctx context.Context, b *message.BundleEvent) error {
	if err := b.Err(); err != nil {
		d.logger.Debug("Bundle payload dropped", "uuid", b.Identity().UUID, "error", err)
	}
	var firstErr error
	for _, c := range b.Constituents() {
		claimed, err := d.intercept(ctx, c)
		if err == nil && !claimed {
			err = d.engine.Send(ctx, c)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// install replaces any entry with the same id by a new statement
func (d *Dispatcher) install(id string, kind message.Kind, name, query string, l engine.Listener) error {
	d.commands.Lock()
	defer d.commands.Unlock()

	if prev, ok := d.registry.Remove(id); ok {
		teardown(prev)
		d.logger.Info("Replacing statement", "id", id)
	}

	stmt, err := d.engine.Create(id, query)
	if err != nil {
		d.metrics.RecordActiveStatements(d.registry.Len())
		return errors.Wrap(err, "Dispatcher", "Process", fmt.Sprintf("create statement %s", id))
	}
	if l != nil {
		stmt.AddListener(l)
	}
	d.registry.Put(&Entry{ID: id, Kind: kind, Name: name, Statement: stmt, Listener: l})
	d.metrics.RecordActiveStatements(d.registry.Len())
	d.logger.Info("Statement installed", "id", id, "kind", string(kind), "name", name)
	return nil
}

// Stop tears down the statement or query with id. It returns false when
// nothing was installed under id.
func (d *Dispatcher) Stop(id string) bool {
	d.commands.Lock()
	defer d.commands.Unlock()

	e, ok := d.registry.Remove(id)
	if !ok {
		d.logger.Debug("Stop for unknown id", "id", id)
		return false
	}
	teardown(e)
	d.metrics.RecordActiveStatements(d.registry.Len())
	d.logger.Info("Statement stopped", "id", id)
	return true
}

func teardown(e *Entry) {
	if e.Listener != nil {
		e.Statement.RemoveListener(e.Listener)
	}
	e.Statement.Destroy()
}
