// Package listener drives a broker: it boots the dispatcher once with the
// resolved statements and queries, then keeps a consume session open,
// reconnecting at a fixed interval for as long as the process runs.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
	"github.com/c360/stratcon/transport"
)

// DefaultRetryInterval separates broker sessions
const DefaultRetryInterval = time.Second

const disconnectTimeout = 5 * time.Second

// Status is the runner's position in its lifecycle
type Status int

const (
	StatusIdle Status = iota
	StatusBooting
	StatusConnecting
	StatusConsuming
	StatusWaiting
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBooting:
		return "booting"
	case StatusConnecting:
		return "connecting"
	case StatusConsuming:
		return "consuming"
	case StatusWaiting:
		return "waiting"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Dispatcher is what the runner feeds: commands during boot and reload,
// broker payloads while consuming
type Dispatcher interface {
	transport.Handler
	Process(ctx context.Context, msg message.Message) error
}

// Runner owns the consume loop of one broker
type Runner struct {
	broker        transport.Broker
	dispatcher    Dispatcher
	logger        *slog.Logger
	metrics       *metric.Metrics
	retryInterval time.Duration

	// mu guards the boot state and serializes boot with reloads
	mu        sync.Mutex
	pending   []message.Message
	booted    bool
	installed []string

	attempts atomic.Int64
	status   atomic.Value // Status
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records connection attempts and broker state
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRetryInterval sets the wait between broker sessions
func WithRetryInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// New builds an idle runner
func New(broker transport.Broker, dispatcher Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		broker:        broker,
		dispatcher:    dispatcher,
		logger:        slog.Default(),
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "listener", "broker", broker.Name())
	r.status.Store(StatusIdle)
	return r
}

// Preprocess queues messages to dispatch at boot, in order. It fails once
// the runner has booted.
func (r *Runner) Preprocess(msgs ...message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.booted {
		return pkgerrors.WrapInvalid(pkgerrors.ErrAlreadyBooted, "Runner", "Preprocess", "queue message")
	}
	r.pending = append(r.pending, msgs...)
	return nil
}

// Booted reports whether boot has completed
func (r *Runner) Booted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.booted
}

// Attempts counts broker sessions started
func (r *Runner) Attempts() int64 { return r.attempts.Load() }

// Status returns the current lifecycle position
func (r *Runner) Status() Status { return r.status.Load().(Status) }

// Health is nil while a consume session is open
func (r *Runner) Health() error {
	if s := r.Status(); s != StatusConsuming {
		return fmt.Errorf("listener %s: %w", s, pkgerrors.ErrNotConnected)
	}
	return nil
}

// Run boots once, then loops connect, consume, disconnect until ctx is
// cancelled. A boot failure is returned as fatal; broker failures are
// logged and retried after the retry interval without limit.
func (r *Runner) Run(ctx context.Context) error {
	defer r.status.Store(StatusStopped)

	if err := r.boot(ctx); err != nil {
		return err
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = pkgerrors.ErrConnectionLost
		}
		r.logger.Warn("Broker session ended, retrying", "error", err, "retry_in", r.retryInterval)
		r.status.Store(StatusWaiting)
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.retryInterval)),
		backoff.WithMaxElapsedTime(0),
	)
	if ctx.Err() != nil {
		r.logger.Info("Listener stopped", "attempts", r.Attempts())
		return nil
	}
	return err
}

func (r *Runner) boot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.booted {
		return nil
	}

	r.status.Store(StatusBooting)
	for i, msg := range r.pending {
		if err := r.dispatcher.Process(ctx, msg); err != nil {
			return pkgerrors.WrapFatal(err, "Runner", "Run", fmt.Sprintf("boot message %d (%s)", i, describe(msg)))
		}
		if cmd, ok := msg.(message.Command); ok {
			r.installed = append(r.installed, cmd.CommandID())
		}
	}
	r.logger.Info("Booted", "messages", len(r.pending))
	r.pending = nil
	r.booted = true
	return nil
}

func describe(msg message.Message) string {
	if cmd, ok := msg.(message.Command); ok {
		return string(cmd.Kind()) + " " + cmd.CommandID()
	}
	return string(msg.Kind())
}

func (r *Runner) session(ctx context.Context) error {
	name := r.broker.Name()
	r.attempts.Add(1)
	r.metrics.RecordConnectAttempt(name)
	r.status.Store(StatusConnecting)

	if err := r.broker.Connect(ctx); err != nil {
		r.metrics.RecordBrokerStatus(name, false)
		return err
	}
	r.metrics.RecordBrokerStatus(name, true)
	r.status.Store(StatusConsuming)
	r.logger.Info("Consuming", "attempt", r.Attempts())

	err := r.broker.Consume(ctx, r.dispatcher)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	_ = r.broker.Disconnect(dctx)
	r.metrics.RecordBrokerStatus(name, false)
	return err
}

// Reload dispatches a new resolved command list. Ids installed earlier but
// absent from cmds are stopped afterwards. Before boot, cmds replace the
// queued commands instead. Every command is attempted; the failures are
// returned joined.
func (r *Runner) Reload(ctx context.Context, cmds []message.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.booted {
		kept := r.pending[:0]
		for _, m := range r.pending {
			if _, isCmd := m.(message.Command); !isCmd {
				kept = append(kept, m)
			}
		}
		for _, c := range cmds {
			kept = append(kept, c)
		}
		r.pending = kept
		return nil
	}

	var errs []error
	wanted := make(map[string]bool, len(cmds))
	installed := make([]string, 0, len(cmds))
	for _, c := range cmds {
		wanted[c.CommandID()] = true
		if err := r.dispatcher.Process(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", c.Kind(), c.CommandID(), err))
			continue
		}
		installed = append(installed, c.CommandID())
	}

	stale := 0
	for i := len(r.installed) - 1; i >= 0; i-- {
		id := r.installed[i]
		if wanted[id] {
			continue
		}
		stale++
		if err := r.dispatcher.Process(ctx, message.QueryStop{ID: id}); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	r.installed = installed

	r.logger.Info("Reloaded", "commands", len(cmds), "stopped", stale, "errors", len(errs))
	return errors.Join(errs...)
}
