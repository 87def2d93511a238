package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stratcon/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Client manages one NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// closed when the current connection is gone for good
	lost     chan struct{}
	lostOnce *sync.Once

	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username   string
	password   string
	clientName string

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	lost := make(chan struct{})
	close(lost)
	c.lost = lost
	c.lostOnce = &sync.Once{}

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Lost returns a channel closed once the current connection is gone and
// will not come back by itself. Before Connect it is already closed.
func (m *Client) Lost() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lost
}

// recordFailure counts a failed dial. Every circuitThreshold consecutive
// failures double the backoff, up to maxBackoff, and open the circuit for
// that long; Connect fails fast until it half-opens again.
func (m *Client) recordFailure() {
	m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	if m.circuitFailures.Add(1) < m.circuitThreshold {
		return
	}
	m.circuitFailures.Store(0)

	wait := m.Backoff()
	m.backoff.Store(min(2*wait, m.maxBackoff))

	if m.Status() == StatusCircuitOpen {
		return
	}
	m.setStatus(StatusCircuitOpen)
	m.logger.Warn("Circuit breaker opened", "failures", m.failures.Load(), "retry_in", wait)
	time.AfterFunc(wait, m.testCircuit)
}

// resetCircuit forgets past failures after a successful connect
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})
	m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

// testCircuit half-opens the circuit: the next Connect dials again
func (m *Client) testCircuit() {
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.logger.Debug("Circuit breaker half-open")
	}
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect establishes the connection. It fails fast while the circuit is
// open and gives up when ctx is done.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "check circuit")
	}
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrNotConnected, "Client", "Connect", "client is closed")
	}

	m.setStatus(StatusConnecting)
	m.logger.Debug("Connecting to NATS")

	opts := m.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		connectDone <- result{conn, err}
	}()

	var res result
	select {
	case res = <-connectDone:
	case <-ctx.Done():
		// the dial goroutine may still succeed; close what it produces
		go func() {
			if r := <-connectDone; r.conn != nil {
				r.conn.Close()
			}
		}()
		res.err = errors.ErrConnectionTimeout
	}

	if res.err != nil {
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		m.logger.Warn("JetStream unavailable", "error", err)
	}

	m.mu.Lock()
	stale := m.conn
	m.conn = res.conn
	m.js = js
	m.lost = make(chan struct{})
	m.lostOnce = &sync.Once{}
	m.mu.Unlock()
	if stale != nil {
		// a connection the driver gave up on
		stale.Close()
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS")

	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
	return nil
}

// Disconnect drains and closes the current connection but keeps the
// client, and its circuit breaker, usable for the next Connect.
func (m *Client) Disconnect(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed.Load() {
		return nil
	}
	return m.release(ctx)
}

// Close releases the connection for good. It is safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed.Swap(true) {
		return nil
	}
	err := m.release(ctx)
	m.username, m.password = "", ""
	return err
}

// release drops subscriptions and drains the connection, bounded by the
// drain timeout and ctx. Callers hold closeMu.
func (m *Client) release(ctx context.Context) error {
	m.mu.Lock()
	subs, conn := m.subs, m.conn
	m.subs, m.conn, m.js = nil, nil, nil
	m.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !strings.Contains(err.Error(), "invalid subscription") {
			m.logger.Debug("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}

	var err error
	if conn != nil && !conn.IsClosed() {
		err = m.drain(ctx, conn)
	}
	m.setStatus(StatusDisconnected)
	m.markLost()
	if conn != nil && m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
	if err != nil {
		m.logger.Warn("Drain failed", "error", err)
	}
	return err
}

func (m *Client) drain(ctx context.Context, conn *nats.Conn) error {
	defer conn.Close()

	timeout := m.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < timeout {
			timeout = left
		}
	}
	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()

	select {
	case err := <-done:
		return errors.Wrap(err, "Client", "Disconnect", "drain connection")
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout),
			"Client", "Disconnect", "drain connection")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Client", "Disconnect", "drain connection")
	}
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "check connection")
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// PublishToStream publishes to a JetStream subject and waits for the ack
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := m.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	if m.js == nil {
		return nil, errors.WrapTransient(fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

func (m *Client) markLost() {
	m.mu.RLock()
	once, lost := m.lostOnce, m.lost
	m.mu.RUnlock()
	once.Do(func() {
		select {
		case <-lost:
		default:
			close(lost)
		}
	})
}

// owns reports whether c is the live connection. Callbacks from a
// connection already released are ignored.
func (m *Client) owns(c *nats.Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return c == nil || c == m.conn
}

func (m *Client) handleDisconnect(c *nats.Conn, err error) {
	if !m.owns(c) {
		return
	}
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Warn("Disconnected from NATS", "error", err)
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleReconnect(c *nats.Conn) {
	if !m.owns(c) {
		return
	}
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Reconnected to NATS")
	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
}

func (m *Client) handleClosed(c *nats.Conn) {
	if !m.owns(c) {
		return
	}
	m.setStatus(StatusDisconnected)
	m.markLost()
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	m.logger.Error("NATS error", "error", err)
}

// isAlreadyExistsError checks if an error indicates a bucket or stream exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
