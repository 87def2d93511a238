package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/stratcon/alert"
	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
)

// Config is the complete stratcon-iep configuration
type Config struct {
	Log        LogConfig        `json:"log"`
	Broker     BrokerConfig     `json:"broker"`
	Statements StatementsConfig `json:"statements"`
	Alerts     AlertsConfig     `json:"alerts"`
	Dedup      DedupConfig      `json:"dedup"`
	Metrics    MetricsConfig    `json:"metrics"`
	Runner     RunnerConfig     `json:"runner"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// BrokerConfig picks the broker kind and carries its connection settings
type BrokerConfig struct {
	Kind           string   `json:"kind"` // amqp, nats or redis
	Endpoints      []string `json:"endpoints"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	VirtualHost    string   `json:"virtual_host,omitempty"`
	Heartbeat      Duration `json:"heartbeat"`
	ConnectTimeout Duration `json:"connect_timeout"`

	Firehose        string   `json:"firehose,omitempty"`
	ExchangeType    string   `json:"exchange_type,omitempty"`
	Queue           string   `json:"queue"`
	Consumer        string   `json:"consumer,omitempty"`
	RoutingKeys     []string `json:"routing_keys,omitempty"`
	DurableExchange bool     `json:"durable_exchange,omitempty"`
	DurableQueue    bool     `json:"durable_queue,omitempty"`
	ExclusiveQueue  bool     `json:"exclusive_queue,omitempty"`

	AlertDestination string `json:"alert_destination,omitempty"`
	DeadLetter       string `json:"dead_letter,omitempty"`
	Ack              string `json:"ack"` // auto or manual
	JetStream        bool   `json:"jetstream,omitempty"`
}

// StatementsConfig says where statement and query definitions come from
type StatementsConfig struct {
	File     string   `json:"file,omitempty"`
	Watch    bool     `json:"watch"`
	Debounce Duration `json:"debounce"`

	// Bucket names a NATS KV bucket to read definitions from instead of File
	Bucket string   `json:"bucket,omitempty"`
	KVURLs []string `json:"kv_urls,omitempty"` // defaults to the nats broker endpoints
}

// AlertsConfig controls the alert publisher
type AlertsConfig struct {
	QueueSize      int      `json:"queue_size"`
	Policy         string   `json:"policy"` // block or drop
	Prefix         string   `json:"prefix"`
	PublishTimeout Duration `json:"publish_timeout"`
}

// DedupConfig sizes the duplicate-event filter; 0 disables it
type DedupConfig struct {
	Size int `json:"size"`
}

// MetricsConfig controls the Prometheus and health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// RunnerConfig tunes the broker session loop
type RunnerConfig struct {
	RetryInterval Duration `json:"retry_interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Broker: BrokerConfig{
			Kind:           "amqp",
			Endpoints:      []string{"localhost:5672"},
			Heartbeat:      Duration(transport.DefaultHeartbeat),
			ConnectTimeout: Duration(transport.DefaultConnectTimeout),
			Queue:          transport.DefaultQueue,
			Ack:            string(transport.AckAuto),
		},
		Statements: StatementsConfig{
			File:     "statements.yaml",
			Debounce: Duration(250 * time.Millisecond),
		},
		Alerts: AlertsConfig{
			QueueSize:      alert.DefaultQueueSize,
			Policy:         string(alert.PolicyBlock),
			Prefix:         alert.DefaultPrefix,
			PublishTimeout: Duration(alert.DefaultPublishTimeout),
		},
		Dedup:   DedupConfig{Size: 4096},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090", Path: "/metrics"},
		Runner:  RunnerConfig{RetryInterval: Duration(time.Second)},
	}
}

// Validate checks every section. Errors are fatal and wrap ErrInvalidConfig
// or ErrMissingConfig.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format %q", c.Log.Format)
	}

	if c.Broker.Kind == "" {
		return errors.WrapFatal(fmt.Errorf("%w: broker.kind", errors.ErrMissingConfig), "Config", "Validate", "check broker")
	}
	if err := c.Broker.Transport().Validate(); err != nil {
		return err
	}

	if c.Statements.File == "" && c.Statements.Bucket == "" {
		return errors.WrapFatal(fmt.Errorf("%w: statements.file or statements.bucket", errors.ErrMissingConfig),
			"Config", "Validate", "check statements")
	}
	if c.Statements.Bucket != "" && len(c.Statements.KVURLs) == 0 && c.Broker.Kind != "nats" {
		return invalid("statements.kv_urls required when the broker is %s", c.Broker.Kind)
	}
	if c.Statements.Debounce < 0 {
		return invalid("statements.debounce %s", c.Statements.Debounce)
	}

	switch alert.Policy(c.Alerts.Policy) {
	case alert.PolicyBlock, alert.PolicyDrop:
	default:
		return invalid("alerts.policy %q", c.Alerts.Policy)
	}
	if c.Alerts.QueueSize < 0 {
		return invalid("alerts.queue_size %d", c.Alerts.QueueSize)
	}
	if c.Dedup.Size < 0 {
		return invalid("dedup.size %d", c.Dedup.Size)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is empty")
	}
	if c.Runner.RetryInterval < 0 {
		return invalid("runner.retry_interval %s", c.Runner.RetryInterval)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check field")
}

// Transport converts the broker section for transport.New
func (b BrokerConfig) Transport() transport.Config {
	return transport.Config{
		Endpoints:        b.Endpoints,
		Username:         b.Username,
		Password:         b.Password,
		VirtualHost:      b.VirtualHost,
		Heartbeat:        b.Heartbeat.Std(),
		ConnectTimeout:   b.ConnectTimeout.Std(),
		Firehose:         b.Firehose,
		ExchangeType:     b.ExchangeType,
		Queue:            b.Queue,
		Consumer:         b.Consumer,
		RoutingKeys:      b.RoutingKeys,
		DurableExchange:  b.DurableExchange,
		DurableQueue:     b.DurableQueue,
		ExclusiveQueue:   b.ExclusiveQueue,
		AlertDestination: b.AlertDestination,
		DeadLetter:       b.DeadLetter,
		Ack:              transport.AckMode(b.Ack),
		JetStream:        b.JetStream,
	}
}

// Publisher converts the alerts section for alert.NewPublisher
func (a AlertsConfig) Publisher() alert.Config {
	return alert.Config{
		QueueSize:      a.QueueSize,
		Policy:         alert.Policy(a.Policy),
		Prefix:         a.Prefix,
		PublishTimeout: a.PublishTimeout.Std(),
	}
}

// KVEndpoints is where the statements bucket lives
func (c *Config) KVEndpoints() []string {
	if len(c.Statements.KVURLs) > 0 {
		return c.Statements.KVURLs
	}
	return c.Broker.Endpoints
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Broker.Password != "" {
		cp.Broker.Password = "******"
	}
	return &cp
}

// String returns the indented JSON form with the password redacted
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
