package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stratcon/alert"
	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
)

func writeLayer(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	tc := cfg.Broker.Transport()
	assert.Equal(t, transport.DefaultHeartbeat, tc.Heartbeat)
	assert.Equal(t, transport.AckAuto, tc.Ack)
	assert.Equal(t, transport.DefaultQueue, tc.Queue)

	ac := cfg.Alerts.Publisher()
	assert.Equal(t, alert.PolicyBlock, ac.Policy)
	assert.Equal(t, "noit.alerts.", ac.Prefix)
	assert.Equal(t, time.Second, cfg.Runner.RetryInterval.Std())
}

func TestLoader_JSONCLayers(t *testing.T) {
	base := writeLayer(t, "base.jsonc", `{
		// amqp cluster
		"broker": {
			"kind": "amqp",
			"endpoints": ["mq1:5672", "mq2:5672"],
			"heartbeat": "2s",
			"routing_keys": ["check.#", "null"],
			"dead_letter": "noit.firehose.dead",
		},
		"alerts": {"policy": "drop", "queue_size": 16},
	}`)
	site := writeLayer(t, "site.json", `{
		"broker": {"endpoints": ["mq3:5672"], "connect_timeout": 1500},
		"statements": {"file": "/etc/stratcon/statements.yaml", "watch": true}
	}`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(site)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"mq3:5672"}, cfg.Broker.Endpoints, "arrays replace")
	assert.Equal(t, 2*time.Second, cfg.Broker.Heartbeat.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Broker.ConnectTimeout.Std(), "integers are milliseconds")
	assert.Equal(t, []string{"check.#", ""}, cfg.Broker.Transport().BindingKeys())
	assert.Equal(t, "noit.firehose.dead", cfg.Broker.Transport().DeadLetter)
	assert.Equal(t, "drop", cfg.Alerts.Policy)
	assert.Equal(t, 16, cfg.Alerts.QueueSize)
	assert.Equal(t, alert.DefaultPrefix, cfg.Alerts.Prefix, "defaults survive")
	assert.True(t, cfg.Statements.Watch)
	assert.Equal(t, 250*time.Millisecond, cfg.Statements.Debounce.Std())
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("STRATCON_BROKER_KIND", "nats")
	t.Setenv("STRATCON_BROKER_ENDPOINTS", "nats://a:4222, nats://b:4222,")
	t.Setenv("STRATCON_BROKER_PASSWORD", "s3cret")
	t.Setenv("STRATCON_LOG_LEVEL", "debug")

	cfg, err := NewLoader().LoadFile(writeLayer(t, "c.json", `{"broker": {"kind": "redis"}}`))
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Broker.Kind)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Broker.Endpoints)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NotContains(t, cfg.String(), "s3cret")
	assert.Equal(t, "s3cret", cfg.Broker.Password, "redaction copies")
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"wrong extension", "c.yaml", `{}`},
		{"syntax", "c.json", `{"broker": }`},
		{"unbalanced", "c.json", `{"broker": {"kind": "amqp"}`},
		{"too deep", "c.json", strings.Repeat("[", 40) + strings.Repeat("]", 40)},
		{"bad duration", "c.json", `{"runner": {"retry_interval": "soon"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(writeLayer(t, tt.file, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}

	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"no kind", func(c *Config) { c.Broker.Kind = "" }},
		{"no endpoints", func(c *Config) { c.Broker.Endpoints = nil }},
		{"ack mode", func(c *Config) { c.Broker.Ack = "sometimes" }},
		{"no statements", func(c *Config) { c.Statements.File = "" }},
		{"bucket without kv urls", func(c *Config) { c.Statements.Bucket = "defs" }},
		{"policy", func(c *Config) { c.Alerts.Policy = "ignore" }},
		{"queue size", func(c *Config) { c.Alerts.QueueSize = -1 }},
		{"dedup", func(c *Config) { c.Dedup.Size = -1 }},
		{"metrics addr", func(c *Config) { c.Metrics.Addr = "" }},
		{"retry", func(c *Config) { c.Runner.RetryInterval = Duration(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestKVEndpoints(t *testing.T) {
	cfg := Default()
	cfg.Broker.Kind = "nats"
	cfg.Broker.Endpoints = []string{"nats://n1:4222"}
	cfg.Statements.Bucket = "defs"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"nats://n1:4222"}, cfg.KVEndpoints())

	cfg.Statements.KVURLs = []string{"nats://kv:4222"}
	assert.Equal(t, []string{"nats://kv:4222"}, cfg.KVEndpoints())
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, json.Unmarshal([]byte(`250`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(5 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))
}
