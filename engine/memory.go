package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
	"github.com/c360/stratcon/view"
)

// maxInsertDepth bounds chains of insert_into streams
const maxInsertDepth = 16

// Memory is an in-process Engine. All statements share one lock, so Send,
// Create and Destroy are serialised; listeners run while it is held and
// must not call back into the engine.
type Memory struct {
	mu         sync.Mutex
	statements map[string]*memStatement
	streams    map[string][]*memStatement // readers per stream, in creation order
	providers  map[string]int             // insert_into stream -> producing statements

	evaluator *Evaluator
	logger    *slog.Logger
	metrics   *engineMetrics
}

// Option configures a Memory engine
type Option func(*Memory) error

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) error {
		if logger != nil {
			m.logger = logger.With("component", "engine")
		}
		return nil
	}
}

// WithMetrics registers engine metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Memory) error {
		metrics, err := newEngineMetrics(registry)
		if err != nil {
			return err
		}
		m.metrics = metrics
		return nil
	}
}

// NewMemory creates an empty engine
func NewMemory(opts ...Option) (*Memory, error) {
	evaluator, err := NewEvaluator(DefaultRegexCacheSize)
	if err != nil {
		return nil, errors.WrapFatal(err, "Memory", "NewMemory", "create evaluator")
	}
	m := &Memory{
		statements: make(map[string]*memStatement),
		streams:    make(map[string][]*memStatement),
		providers:  make(map[string]int),
		evaluator:  evaluator,
		logger:     slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapFatal(err, "Memory", "NewMemory", "apply option")
		}
	}
	return m, nil
}

// Create parses text and installs the statement. The stream it reads must
// be built in or produced by an installed statement.
func (m *Memory) Create(id, text string) (Statement, error) {
	q, err := ParseQuery(text)
	if err != nil {
		return nil, err
	}
	if q.Where != nil {
		if err := m.evaluator.Check(*q.Where); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidQuery, err),
				"Memory", "Create", fmt.Sprintf("check where clause of %s", id))
		}
	}

	var proto view.View
	if q.View != ViewNone {
		var ok bool
		if proto, ok = view.New(q.View, q.Window); !ok {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: view %q", errors.ErrInvalidQuery, q.View),
				"Memory", "Create", "build view")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.statements[id]; exists {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateID, id),
			"Memory", "Create", "install statement")
	}
	if !isBuiltin(q.From) && m.providers[q.From] == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownStream, q.From),
			"Memory", "Create", fmt.Sprintf("install statement %s", id))
	}

	s := &memStatement{
		id:     id,
		engine: m,
		query:  q,
		proto:  proto,
		groups: make(map[string]view.View),
	}
	m.statements[id] = s
	m.streams[q.From] = append(m.streams[q.From], s)
	if q.InsertInto != "" {
		m.providers[q.InsertInto]++
	}
	m.metrics.setStatements(len(m.statements))
	m.logger.Debug("Statement created", "id", id, "from", q.From, "view", q.View, "insert_into", q.InsertInto)
	return s, nil
}

// Send delivers event to every statement reading its stream. Bundles are
// expanded into their constituents.
func (m *Memory) Send(ctx context.Context, event message.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b, ok := event.(*message.BundleEvent); ok {
		for _, c := range b.Constituents() {
			if err := m.Send(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}

	stream, ok := StreamFor(event.Kind())
	if !ok {
		return nil
	}
	row, ok := RowFromEvent(event)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliver(stream, []Row{row}, 0)
}

// Statements returns the installed statement ids, sorted
func (m *Memory) Statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.statements))
	for id := range m.statements {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// deliver runs rows through the readers of stream. Caller holds m.mu.
func (m *Memory) deliver(stream string, rows []Row, depth int) error {
	if depth > maxInsertDepth {
		return errors.WrapInvalid(fmt.Errorf("insert_into chain deeper than %d at stream %s", maxInsertDepth, stream),
			"Memory", "Send", "deliver rows")
	}

	var firstErr error
	for _, s := range m.streams[stream] {
		var out []Row
		for _, row := range rows {
			res, err := s.process(row)
			if err != nil {
				m.metrics.recordError(s.id)
				m.logger.Debug("Statement evaluation failed", "id", s.id, "error", err)
				if firstErr == nil {
					firstErr = errors.WrapInvalid(err, "Memory", "Send", fmt.Sprintf("evaluate %s", s.id))
				}
				continue
			}
			if res != nil {
				out = append(out, res)
			}
		}
		if len(out) == 0 {
			continue
		}

		m.metrics.recordRows(s.id, len(out))
		for _, l := range s.snapshotListeners() {
			l.Update(out)
		}
		if s.query.InsertInto != "" {
			if err := m.deliver(s.query.InsertInto, out, depth+1); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Memory) destroy(s *memStatement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statements[s.id] != s {
		return
	}
	delete(m.statements, s.id)
	m.streams[s.query.From] = slices.DeleteFunc(m.streams[s.query.From], func(o *memStatement) bool { return o == s })
	if len(m.streams[s.query.From]) == 0 {
		delete(m.streams, s.query.From)
	}
	if s.query.InsertInto != "" {
		if m.providers[s.query.InsertInto]--; m.providers[s.query.InsertInto] <= 0 {
			delete(m.providers, s.query.InsertInto)
		}
	}
	m.metrics.setStatements(len(m.statements))
	m.logger.Debug("Statement destroyed", "id", s.id)
}

// memStatement is one installed query
type memStatement struct {
	id     string
	engine *Memory
	query  *Query
	proto  view.View
	groups map[string]view.View // guarded by engine.mu

	lmu       sync.Mutex
	listeners []Listener
}

func (s *memStatement) ID() string { return s.id }

func (s *memStatement) AddListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *memStatement) RemoveListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if i := slices.Index(s.listeners, l); i >= 0 {
		s.listeners = slices.Delete(s.listeners, i, i+1)
	}
}

func (s *memStatement) Destroy() { s.engine.destroy(s) }

func (s *memStatement) snapshotListeners() []Listener {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return slices.Clone(s.listeners)
}

// process returns the result row for one input row, or nil
func (s *memStatement) process(row Row) (Row, error) {
	if s.query.Where != nil {
		ok, err := s.engine.evaluator.Evaluate(row, *s.query.Where)
		if err != nil || !ok {
			return nil, err
		}
	}
	if s.proto == nil {
		return s.project(row), nil
	}

	x, ok := toInt64(row["timestamp"])
	if !ok {
		return nil, nil
	}
	y, ok := toFloat64(row[s.query.Value])
	if !ok {
		return nil, nil
	}

	key := s.groupKey(row)
	v, exists := s.groups[key]
	if !exists {
		v = s.proto.Clone()
		s.groups[key] = v
	}
	r, ok := v.Add(view.Sample{X: x, Y: y})
	if !ok {
		return nil, nil
	}

	out := make(Row, len(row)+4)
	for k, val := range row {
		out[k] = val
	}
	for k, val := range r.Fields() {
		out[k] = val
	}
	return s.project(out), nil
}

func (s *memStatement) groupKey(row Row) string {
	if len(s.query.GroupBy) == 0 {
		return ""
	}
	parts := make([]string, len(s.query.GroupBy))
	for i, f := range s.query.GroupBy {
		parts[i] = fmt.Sprint(row[f])
	}
	return strings.Join(parts, "\x1f")
}

func (s *memStatement) project(row Row) Row {
	if len(s.query.Select) == 0 {
		out := make(Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out.clean()
	}
	out := make(Row, len(s.query.Select))
	for _, f := range s.query.Select {
		out[f] = row[f]
	}
	return out.clean()
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	default:
		return 0, false
	}
}
