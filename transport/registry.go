package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/stratcon/errors"
)

// Factory builds an unconnected broker. Factories do no I/O.
type Factory func(cfg Config, logger *slog.Logger) (Broker, error)

// Registry maps broker kinds to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return errors.WrapInvalid(fmt.Errorf("broker %q is already registered", kind),
			"Registry", "Register", "duplicate factory check")
	}
	r.factories[kind] = f
	return nil
}

// New validates cfg and builds a broker of the given kind
func (r *Registry) New(kind string, cfg Config, logger *slog.Logger) (Broker, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: unknown broker %q (have %v)", errors.ErrInvalidConfig, kind, r.Kinds()),
			"Registry", "New", "factory lookup")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(cfg, logger.With("component", "broker", "broker", kind))
}

// Kinds lists the registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

var defaultRegistry = NewRegistry()

// Register adds a factory to the process-wide registry
func Register(kind string, f Factory) error { return defaultRegistry.Register(kind, f) }

// New builds a broker from the process-wide registry
func New(kind string, cfg Config, logger *slog.Logger) (Broker, error) {
	return defaultRegistry.New(kind, cfg, logger)
}

// Default returns the process-wide registry
func Default() *Registry { return defaultRegistry }
