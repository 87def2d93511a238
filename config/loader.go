package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/c360/stratcon/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "STRATCON"

// Loader merges configuration layers over the defaults
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with no layers and validation off
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// AddLayer appends a configuration file. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load call Validate on the result
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix replaces the STRATCON prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads a single layer
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, each layer and the environment, in that order
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads one JSONC layer into a generic map
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	data = jsonc.ToJSON(data)
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps merges override into base. Nested objects merge key by key;
// any other value, arrays included, replaces the base value. Explicit nulls
// are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		name string
		set  func(string)
	}{
		{"LOG_LEVEL", func(v string) { cfg.Log.Level = v }},
		{"LOG_FORMAT", func(v string) { cfg.Log.Format = v }},
		{"BROKER_KIND", func(v string) { cfg.Broker.Kind = v }},
		{"BROKER_ENDPOINTS", func(v string) { cfg.Broker.Endpoints = splitList(v) }},
		{"BROKER_USERNAME", func(v string) { cfg.Broker.Username = v }},
		{"BROKER_PASSWORD", func(v string) { cfg.Broker.Password = v }},
		{"STATEMENTS_FILE", func(v string) { cfg.Statements.File = v }},
		{"STATEMENTS_BUCKET", func(v string) { cfg.Statements.Bucket = v }},
		{"ALERTS_POLICY", func(v string) { cfg.Alerts.Policy = v }},
		{"METRICS_ADDR", func(v string) { cfg.Metrics.Addr = v }},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.name
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapFatal(err, "Loader", "Load", "apply environment")
		}
		o.set(val)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
