package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/stratcon/errors"
)

// View names accepted in a query
const (
	ViewNone       = "none"
	ViewDerive     = "derive"
	ViewCounter    = "counter"
	ViewRegression = "regression"
)

// Query is the parsed form of a statement's text
type Query struct {
	From       string   `json:"from"`
	Where      *Where   `json:"where,omitempty"`
	GroupBy    []string `json:"group_by,omitempty"`
	View       string   `json:"view,omitempty"`
	Value      string   `json:"value,omitempty"`
	Window     int      `json:"window,omitempty"`
	InsertInto string   `json:"insert_into,omitempty"`
	Select     []string `json:"select,omitempty"`
}

const querySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["from"],
  "properties": {
    "from": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_.-]*$"},
    "where": {
      "type": "object",
      "additionalProperties": false,
      "required": ["conditions"],
      "properties": {
        "conditions": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["field", "operator", "value"],
            "properties": {
              "field": {"type": "string", "minLength": 1},
              "operator": {"enum": ["eq", "ne", "lt", "lte", "gt", "gte", "contains", "starts_with", "ends_with", "regex"]},
              "value": {"type": ["string", "number", "boolean"]},
              "required": {"type": "boolean"}
            }
          }
        },
        "logic": {"enum": ["", "and", "or"]}
      }
    },
    "group_by": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "view": {"enum": ["", "none", "derive", "counter", "regression"]},
    "value": {"type": "string", "minLength": 1},
    "window": {"type": "integer", "minimum": 0},
    "insert_into": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_.-]*$"},
    "select": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(querySchema))
})

// ParseQuery validates text against the query schema and decodes it
func ParseQuery(text string) (*Query, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, errors.WrapFatal(err, "engine", "ParseQuery", "compile query schema")
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		// not JSON at all
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidQuery, err),
			"engine", "ParseQuery", "parse query")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidQuery, strings.Join(problems, "; ")),
			"engine", "ParseQuery", "validate query")
	}

	var q Query
	if err := json.Unmarshal([]byte(text), &q); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidQuery, err),
			"engine", "ParseQuery", "decode query")
	}
	if q.View == "" {
		q.View = ViewNone
	}
	if q.Value == "" {
		q.Value = "value"
	}
	if q.InsertInto != "" && q.InsertInto == q.From {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: insert_into %q is the stream it reads", errors.ErrInvalidQuery, q.InsertInto),
			"engine", "ParseQuery", "validate query")
	}
	if isBuiltin(q.InsertInto) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: insert_into %q is a built-in stream", errors.ErrInvalidQuery, q.InsertInto),
			"engine", "ParseQuery", "validate query")
	}
	return &q, nil
}

func isBuiltin(stream string) bool {
	switch stream {
	case StreamCheck, StreamStatus, StreamMetric:
		return true
	}
	return false
}
