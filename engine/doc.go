// Package engine defines the continuous-query engine the dispatcher feeds and
// ships a small in-memory implementation of it.
//
// The dispatcher depends only on Engine, Statement and Listener. Memory is
// enough to run the service end to end: a statement is a JSON query that
// reads one stream, filters rows with a condition expression, optionally
// folds them through a per-group view (derive, counter, regression), and
// emits result rows to its listeners and, with insert_into, to a named
// stream other statements can read.
//
// A query looks like:
//
//	{
//	  "from": "metric",
//	  "where": {"conditions": [{"field": "name", "operator": "eq", "value": "bytes_in"}]},
//	  "group_by": ["uuid", "name"],
//	  "view": "counter",
//	  "insert_into": "byte_rates"
//	}
//
// Built-in streams are check, status and metric. Row fields for each are
// listed on RowFromEvent.
package engine
