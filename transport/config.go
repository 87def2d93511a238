package transport

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/stratcon/errors"
)

// Config is the broker-independent connection and naming configuration.
// Each broker documents how it maps the destination fields.
type Config struct {
	Endpoints      []string      `json:"endpoints"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	VirtualHost    string        `json:"virtual_host,omitempty"`
	Heartbeat      time.Duration `json:"heartbeat"`
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// Firehose is the inbound destination: an exchange, subject or stream
	Firehose     string `json:"firehose"`
	ExchangeType string `json:"exchange_type,omitempty"`
	// Queue names the consumer queue or group. {node} and {pid} expand to
	// the host name and process id.
	Queue       string   `json:"queue"`
	Consumer    string   `json:"consumer,omitempty"`
	RoutingKeys []string `json:"routing_keys,omitempty"`

	DurableExchange bool `json:"durable_exchange,omitempty"`
	DurableQueue    bool `json:"durable_queue,omitempty"`
	ExclusiveQueue  bool `json:"exclusive_queue,omitempty"`

	AlertDestination string `json:"alert_destination"`
	// DeadLetter receives manually acknowledged payloads the handler
	// rejected. Empty keeps each broker's own default.
	DeadLetter string `json:"dead_letter,omitempty"`

	Ack       AckMode `json:"ack"`
	JetStream bool    `json:"jetstream,omitempty"`
}

const (
	DefaultHeartbeat      = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultQueue          = "reconnoiter-{node}-{pid}"
)

// WithDefaults fills unset timing, queue and ack fields
func (c Config) WithDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Ack == "" {
		c.Ack = AckAuto
	}
	return c
}

// Validate checks the fields every broker relies on
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.WrapFatal(fmt.Errorf("%w: no broker endpoints", errors.ErrMissingConfig),
			"Config", "Validate", "check endpoints")
	}
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return errors.WrapFatal(fmt.Errorf("%w: endpoint %d is empty", errors.ErrInvalidConfig, i),
				"Config", "Validate", "check endpoints")
		}
	}
	switch c.Ack {
	case "", AckAuto, AckManual:
	default:
		return errors.WrapFatal(fmt.Errorf("%w: ack mode %q", errors.ErrInvalidConfig, c.Ack),
			"Config", "Validate", "check ack mode")
	}
	if c.Heartbeat < 0 || c.ConnectTimeout < 0 {
		return errors.WrapFatal(fmt.Errorf("%w: negative timeout", errors.ErrInvalidConfig),
			"Config", "Validate", "check timeouts")
	}
	return nil
}

// BindingKeys returns the routing keys with "null" mapped to the empty
// key. An unset list binds the empty key once.
func (c Config) BindingKeys() []string {
	if len(c.RoutingKeys) == 0 {
		return []string{""}
	}
	keys := make([]string, len(c.RoutingKeys))
	for i, k := range c.RoutingKeys {
		k = strings.TrimSpace(k)
		if strings.EqualFold(k, "null") {
			k = ""
		}
		keys[i] = k
	}
	return keys
}

// QueueName expands {node} and {pid} in Queue
func (c Config) QueueName() string {
	node, err := os.Hostname()
	if err != nil {
		node = "localhost"
	}
	return ExpandQueue(c.WithDefaults().Queue, node, os.Getpid())
}

// ExpandQueue substitutes node and pid into a queue template
func ExpandQueue(template, node string, pid int) string {
	return strings.NewReplacer("{node}", node, "{pid}", strconv.Itoa(pid)).Replace(template)
}
