package dispatch

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/stratcon/engine"
	"github.com/c360/stratcon/message"
)

// Entry is one installed statement or query
type Entry struct {
	ID        string
	Kind      message.Kind // KindStatementInstall or KindQueryInstall
	Name      string       // query name; empty for statements
	Statement engine.Statement
	Listener  engine.Listener // nil for statements
}

// Registry maps ids to installed entries. It is safe for concurrent use.
type Registry struct {
	entries sync.Map // string -> *Entry
	size    atomic.Int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Get returns the entry for id
func (r *Registry) Get(id string) (*Entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Put records e, returning the entry it replaced if any
func (r *Registry) Put(e *Entry) (*Entry, bool) {
	prev, loaded := r.entries.Swap(e.ID, e)
	if !loaded {
		r.size.Add(1)
		return nil, false
	}
	return prev.(*Entry), true
}

// Remove deletes and returns the entry for id
func (r *Registry) Remove(id string) (*Entry, bool) {
	v, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	r.size.Add(-1)
	return v.(*Entry), true
}

// Len returns the number of entries
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// IDs returns the installed ids, sorted
func (r *Registry) IDs() []string {
	var ids []string
	r.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}
