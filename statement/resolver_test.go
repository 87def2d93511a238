package statement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
)

func ids(cmds []message.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.CommandID()
	}
	return out
}

func TestResolve_Chain(t *testing.T) {
	stmts := []Statement{
		{ID: "A", Requires: []string{"b"}, Query: "qa"},
		{ID: "B", Provides: "b", Requires: []string{"c"}, Query: "qb"},
		{ID: "C", Provides: "c", Query: "qc"},
	}
	cmds, err := Resolve(stmts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, ids(cmds))

	for _, c := range cmds {
		_, ok := c.(message.StatementInstall)
		assert.True(t, ok)
	}
	assert.Equal(t, message.StatementInstall{ID: "C", Query: "qc"}, cmds[0])
}

func TestResolve_Cycle(t *testing.T) {
	stmts := []Statement{
		{ID: "A", Provides: "a", Requires: []string{"b"}, Query: "qa"},
		{ID: "B", Provides: "b", Requires: []string{"a"}, Query: "qb"},
	}
	cmds, err := Resolve(stmts, []Query{{ID: "q", Name: "n", Query: "x"}})
	require.Error(t, err)
	assert.Nil(t, cmds, "nothing resolves")
	assert.True(t, errors.Is(err, pkgerrors.ErrCycle))
	assert.True(t, pkgerrors.IsFatal(err))
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestResolve_SelfCycle(t *testing.T) {
	_, err := Resolve([]Statement{{ID: "A", Provides: "a", Requires: []string{"a"}, Query: "q"}}, nil)
	assert.True(t, errors.Is(err, pkgerrors.ErrCycle))
}

func TestResolve_DiamondIsNotACycle(t *testing.T) {
	stmts := []Statement{
		{ID: "top", Requires: []string{"left", "right"}, Query: "q"},
		{ID: "L", Provides: "left", Requires: []string{"base"}, Query: "q"},
		{ID: "R", Provides: "right", Requires: []string{"base"}, Query: "q"},
		{ID: "base", Provides: "base", Query: "q"},
	}
	cmds, err := Resolve(stmts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "L", "R", "top"}, ids(cmds), "shared dependency emitted once")
}

func TestResolve_QueriesAppendInOrder(t *testing.T) {
	cmds, err := Resolve(
		[]Statement{{ID: "s", Query: "qs"}},
		[]Query{
			{ID: "q2", Name: "cpu", Query: "x"},
			{ID: "q1", Name: "mem", Query: "y"},
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "q2", "q1"}, ids(cmds))
	assert.Equal(t, message.QueryInstall{ID: "q2", Name: "cpu", Query: "x"}, cmds[1])
}

func TestResolve_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		stmts   []Statement
		queries []Query
		want    error
	}{
		{
			name: "duplicate provider",
			stmts: []Statement{
				{ID: "a", Provides: "x", Query: "q"},
				{ID: "b", Provides: "x", Query: "q"},
			},
			want: pkgerrors.ErrDuplicateProvider,
		},
		{
			name:  "unresolved",
			stmts: []Statement{{ID: "a", Requires: []string{"ghost"}, Query: "q"}},
			want:  pkgerrors.ErrUnresolved,
		},
		{
			name: "duplicate id",
			stmts: []Statement{
				{ID: "a", Query: "q"},
				{ID: "a", Query: "q"},
			},
			want: pkgerrors.ErrDuplicateID,
		},
		{
			name:    "query reuses statement id",
			stmts:   []Statement{{ID: "a", Query: "q"}},
			queries: []Query{{ID: "a", Name: "n", Query: "q"}},
			want:    pkgerrors.ErrDuplicateID,
		},
		{
			name:  "statement without query",
			stmts: []Statement{{ID: "a"}},
			want:  pkgerrors.ErrInvalidConfig,
		},
		{
			name:    "query without name",
			queries: []Query{{ID: "q", Query: "x"}},
			want:    pkgerrors.ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, err := Resolve(tt.stmts, tt.queries)
			assert.Nil(t, cmds)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, pkgerrors.IsFatal(err))
		})
	}
}

func TestResolve_Empty(t *testing.T) {
	cmds, err := Resolve(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}
