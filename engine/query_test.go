package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stratcon/errors"
)

func TestParseQuery_Defaults(t *testing.T) {
	q, err := ParseQuery(`{"from": "metric"}`)
	require.NoError(t, err)
	assert.Equal(t, ViewNone, q.View)
	assert.Equal(t, "value", q.Value)
	assert.Nil(t, q.Where)
}

func TestParseQuery_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", `from metric`},
		{"missing from", `{"view": "derive"}`},
		{"unknown field", `{"from": "metric", "limit": 3}`},
		{"unknown view", `{"from": "metric", "view": "ewma"}`},
		{"unknown operator", `{"from": "metric", "where": {"conditions": [{"field": "a", "operator": "like", "value": "x"}]}}`},
		{"bad logic", `{"from": "metric", "where": {"conditions": [], "logic": "xor"}}`},
		{"negative window", `{"from": "metric", "window": -1}`},
		{"reads own output", `{"from": "s", "insert_into": "s"}`},
		{"writes builtin", `{"from": "check", "insert_into": "metric"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuery(tt.text)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidQuery)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestMemory_CreateRejectsBadRegex(t *testing.T) {
	m := newMemory(t)
	_, err := m.Create("r", `{"from": "metric", "where": {"conditions": [{"field": "name", "operator": "regex", "value": "(.*)*"}]}}`)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)

	_, err = m.Create("r", `{"from": "metric", "where": {"conditions": [{"field": "name", "operator": "regex", "value": 3}]}}`)
	assert.ErrorIs(t, err, errors.ErrInvalidQuery)
}
