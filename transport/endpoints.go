package transport

import "sync"

// Endpoints rotates round-robin through a fixed list of candidates
type Endpoints struct {
	mu   sync.Mutex
	list []string
	next int
}

// NewEndpoints copies list
func NewEndpoints(list []string) *Endpoints {
	return &Endpoints{list: append([]string(nil), list...)}
}

// Next returns the candidate to use for the next connection attempt. The
// first call returns the first endpoint. It returns "" when the list is
// empty.
func (e *Endpoints) Next() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.list) == 0 {
		return ""
	}
	ep := e.list[e.next%len(e.list)]
	e.next = (e.next + 1) % len(e.list)
	return ep
}

// Len is the number of candidates
func (e *Endpoints) Len() int { return len(e.list) }

// All returns a copy of the candidates in configured order
func (e *Endpoints) All() []string { return append([]string(nil), e.list...) }
