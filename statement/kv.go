package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"gopkg.in/yaml.v3"

	pkgerrors "github.com/c360/stratcon/errors"
)

// Key prefixes inside the definitions bucket. Each key holds one
// definition as YAML or JSON, e.g. "statements.cpu_rate" or "queries.q1".
const (
	StatementPrefix = "statements."
	QueryPrefix     = "queries."
)

// KVSource reads definitions from a NATS JetStream key-value bucket.
type KVSource struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewKVSource wraps a bucket
func NewKVSource(kv jetstream.KeyValue, logger *slog.Logger) *KVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVSource{kv: kv, logger: logger.With("component", "statement-kv", "bucket", kv.Bucket())}
}

// Load reads every definition in the bucket. Keys are read in sorted order
// so the resulting definitions are deterministic. Keys outside the known
// prefixes are ignored.
func (s *KVSource) Load(ctx context.Context) (*Definitions, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return &Definitions{}, nil
		}
		return nil, pkgerrors.WrapTransient(err, "KVSource", "Load", "list keys")
	}
	sort.Strings(keys)

	defs := &Definitions{}
	for _, key := range keys {
		if !strings.HasPrefix(key, StatementPrefix) && !strings.HasPrefix(key, QueryPrefix) {
			s.logger.Debug("Skipping unrelated key", "key", key)
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted between list and get
			}
			return nil, pkgerrors.WrapTransient(err, "KVSource", "Load", fmt.Sprintf("get %s", key))
		}
		if err := decodeEntry(defs, key, entry.Value()); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func decodeEntry(defs *Definitions, key string, value []byte) error {
	var err error
	switch {
	case strings.HasPrefix(key, StatementPrefix):
		var st Statement
		if err = yaml.Unmarshal(value, &st); err == nil {
			if st.ID == "" {
				st.ID = strings.TrimPrefix(key, StatementPrefix)
			}
			defs.Statements = append(defs.Statements, st)
		}
	case strings.HasPrefix(key, QueryPrefix):
		var q Query
		if err = yaml.Unmarshal(value, &q); err == nil {
			if q.ID == "" {
				q.ID = strings.TrimPrefix(key, QueryPrefix)
			}
			defs.Queries = append(defs.Queries, q)
		}
	}
	if err != nil {
		return pkgerrors.WrapFatal(fmt.Errorf("%w: key %s: %v", pkgerrors.ErrInvalidConfig, key, err),
			"KVSource", "Load", "decode definition")
	}
	return nil
}

// Store writes defs into the bucket, one key per definition.
func (s *KVSource) Store(ctx context.Context, defs *Definitions) error {
	for _, st := range defs.Statements {
		if err := s.put(ctx, StatementPrefix+st.ID, st); err != nil {
			return err
		}
	}
	for _, q := range defs.Queries {
		if err := s.put(ctx, QueryPrefix+q.ID, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVSource) put(ctx context.Context, key string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return pkgerrors.WrapInvalid(err, "KVSource", "Store", "encode definition")
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return pkgerrors.WrapTransient(err, "KVSource", "Store", fmt.Sprintf("put %s", key))
	}
	return nil
}

// Watch reloads the bucket after every change and passes the new
// definitions to fn. It blocks until ctx is cancelled. A reload that fails
// is logged and the previous definitions stay in effect.
func (s *KVSource) Watch(ctx context.Context, fn func(*Definitions)) error {
	watcher, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return pkgerrors.WrapTransient(err, "KVSource", "Watch", "create watcher")
	}
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return pkgerrors.WrapTransient(pkgerrors.ErrConnectionLost, "KVSource", "Watch", "receive update")
			}
			if entry == nil {
				continue
			}
			s.logger.Debug("Definitions changed", "key", entry.Key(), "op", entry.Operation().String())
			defs, err := s.Load(ctx)
			if err != nil {
				s.logger.Warn("Failed to reload definitions", "error", err)
				continue
			}
			fn(defs)
		}
	}
}
