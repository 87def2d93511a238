package statement

import (
	"fmt"
	"strings"

	"github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
)

type node struct {
	stmt    Statement
	deps    []*node
	gen     int // generation of the walk that entered this node, 0 if never entered
	retired bool
	done    bool
}

// Resolve returns install commands for stmts in dependency order followed
// by queries in declared order. Statements providing the same name,
// requirements nothing provides, and dependency cycles are configuration
// errors; when any is found no commands are returned.
func Resolve(stmts []Statement, queries []Query) ([]message.Command, error) {
	nodes := make([]*node, 0, len(stmts))
	byID := make(map[string]*node, len(stmts))
	byName := make(map[string]*node)

	for _, s := range stmts {
		if s.ID == "" || s.Query == "" {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "statement", "Resolve",
				fmt.Sprintf("statement %q needs an id and a query", s.ID))
		}
		if _, dup := byID[s.ID]; dup {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrDuplicateID, s.ID),
				"statement", "Resolve", "index statements")
		}
		n := &node{stmt: s}
		nodes = append(nodes, n)
		byID[s.ID] = n

		if s.Provides == "" {
			continue
		}
		if prev, dup := byName[s.Provides]; dup {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %q provided by %s and %s", errors.ErrDuplicateProvider, s.Provides, prev.stmt.ID, s.ID),
				"statement", "Resolve", "index providers")
		}
		byName[s.Provides] = n
	}

	for _, n := range nodes {
		for _, req := range n.stmt.Requires {
			p, ok := byName[req]
			if !ok {
				return nil, errors.WrapFatal(
					fmt.Errorf("%w: %s requires %q", errors.ErrUnresolved, n.stmt.ID, req),
					"statement", "Resolve", "resolve requirements")
			}
			n.deps = append(n.deps, p)
		}
	}

	gen := 0
	for _, n := range nodes {
		if n.retired {
			continue
		}
		gen++
		if path := findCycle(n, gen, nil); path != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w at %s: %s", errors.ErrCycle, path[len(path)-1], strings.Join(path, " -> ")),
				"statement", "Resolve", "check dependencies")
		}
	}

	cmds := make([]message.Command, 0, len(stmts)+len(queries))
	for _, n := range nodes {
		cmds = emit(n, cmds)
	}

	for _, q := range queries {
		if q.ID == "" || q.Name == "" || q.Query == "" {
			return nil, errors.WrapFatal(errors.ErrInvalidConfig, "statement", "Resolve",
				fmt.Sprintf("query %q needs an id, a name and a query", q.ID))
		}
		if _, dup := byID[q.ID]; dup {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrDuplicateID, q.ID),
				"statement", "Resolve", "index queries")
		}
		byID[q.ID] = nil
		cmds = append(cmds, message.QueryInstall{ID: q.ID, Name: q.Name, Query: q.Query})
	}
	return cmds, nil
}

// findCycle walks n's dependencies. A node entered in this generation that
// has not been retired is on the current path, so reaching it again closes
// a cycle; the returned path ends at that node. Retired nodes were fully
// explored by an earlier walk and are skipped, so shared dependencies are
// not cycles.
func findCycle(n *node, gen int, path []string) []string {
	path = append(path, n.stmt.ID)
	if n.retired {
		return nil
	}
	if n.gen >= gen {
		return path
	}
	n.gen = gen
	for _, d := range n.deps {
		if p := findCycle(d, gen, path); p != nil {
			return p
		}
	}
	n.retired = true
	return nil
}

// emit appends n's dependencies and then n, each at most once.
func emit(n *node, cmds []message.Command) []message.Command {
	if n.done {
		return cmds
	}
	n.done = true
	for _, d := range n.deps {
		cmds = emit(d, cmds)
	}
	return append(cmds, message.StatementInstall{ID: n.stmt.ID, Query: n.stmt.Query})
}
