package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/stratcon/pkg/cache"
)

// Condition compares one row field against a constant
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	// Required turns a missing field into an evaluation error instead of a
	// failed condition
	Required bool `json:"required,omitempty"`
}

// Where combines conditions with and/or. Empty logic means or.
type Where struct {
	Conditions []Condition `json:"conditions"`
	Logic      string      `json:"logic,omitempty"`
}

// Operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"
	OpContains         = "contains"
	OpStartsWith       = "starts_with"
	OpEndsWith         = "ends_with"
	OpRegexMatch       = "regex"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// DefaultRegexCacheSize bounds the compiled pattern cache
const DefaultRegexCacheSize = 100

// OperatorFunc applies one operator
type OperatorFunc func(fieldValue, compareValue any) (bool, error)

// EvaluationError reports a condition that could not be evaluated
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluator applies Where clauses to rows
type Evaluator struct {
	operators map[string]OperatorFunc
	regexes   cache.Cache[*regexp.Regexp]
}

// NewEvaluator creates an evaluator whose regex cache holds up to
// regexCacheSize patterns; zero or less uses DefaultRegexCacheSize
func NewEvaluator(regexCacheSize int, opts ...cache.Option[*regexp.Regexp]) (*Evaluator, error) {
	if regexCacheSize <= 0 {
		regexCacheSize = DefaultRegexCacheSize
	}
	regexes, err := cache.NewLRU(regexCacheSize, opts...)
	if err != nil {
		return nil, err
	}

	e := &Evaluator{regexes: regexes}
	e.operators = map[string]OperatorFunc{
		OpEqual:            operatorEqual,
		OpNotEqual:         operatorNotEqual,
		OpLessThan:         ordered(func(c int) bool { return c < 0 }),
		OpLessThanEqual:    ordered(func(c int) bool { return c <= 0 }),
		OpGreaterThan:      ordered(func(c int) bool { return c > 0 }),
		OpGreaterThanEqual: ordered(func(c int) bool { return c >= 0 }),
		OpContains:         textual(strings.Contains),
		OpStartsWith:       textual(strings.HasPrefix),
		OpEndsWith:         textual(strings.HasSuffix),
		OpRegexMatch:       e.operatorRegex,
	}
	return e, nil
}

// Check validates a clause without a row: operators must exist and regex
// patterns must compile
func (e *Evaluator) Check(where Where) error {
	switch where.Logic {
	case "", LogicAnd, LogicOr:
	default:
		return &EvaluationError{Message: fmt.Sprintf("unsupported logic operator: %s", where.Logic)}
	}
	for _, c := range where.Conditions {
		if _, ok := e.operators[c.Operator]; !ok {
			return &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "unsupported operator"}
		}
		if c.Operator == OpRegexMatch {
			pattern, ok := c.Value.(string)
			if !ok {
				return &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "regex pattern must be a string"}
			}
			if _, err := e.compileRegex(pattern); err != nil {
				return &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "invalid pattern", Err: err}
			}
		}
	}
	return nil
}

// Evaluate applies where to row. An empty clause passes.
func (e *Evaluator) Evaluate(row Row, where Where) (bool, error) {
	if len(where.Conditions) == 0 {
		return true, nil
	}

	switch where.Logic {
	case LogicOr, "":
		for _, c := range where.Conditions {
			ok, err := e.evaluateCondition(row, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case LogicAnd:
		for _, c := range where.Conditions {
			ok, err := e.evaluateCondition(row, c)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, &EvaluationError{Message: fmt.Sprintf("unsupported logic operator: %s", where.Logic)}
	}
}

func (e *Evaluator) evaluateCondition(row Row, c Condition) (bool, error) {
	value, exists := row[c.Field]
	// a null field is treated as absent
	if !exists || value == nil {
		if c.Required {
			return false, &EvaluationError{Field: c.Field, Message: "required field not found"}
		}
		return false, nil
	}

	op, ok := e.operators[c.Operator]
	if !ok {
		return false, &EvaluationError{Field: c.Field, Operator: c.Operator, Message: "unsupported operator"}
	}
	result, err := op(value, c.Value)
	if err != nil {
		return false, &EvaluationError{
			Field:    c.Field,
			Operator: c.Operator,
			Message:  "operator execution failed",
			Err:      err,
		}
	}
	return result, nil
}

func operatorEqual(fieldValue, compareValue any) (bool, error) {
	return compareValues(fieldValue, compareValue) == 0, nil
}

func operatorNotEqual(fieldValue, compareValue any) (bool, error) {
	return compareValues(fieldValue, compareValue) != 0, nil
}

func ordered(test func(cmp int) bool) OperatorFunc {
	return func(fieldValue, compareValue any) (bool, error) {
		return test(compareValues(fieldValue, compareValue)), nil
	}
}

func textual(test func(s, substr string) bool) OperatorFunc {
	return func(fieldValue, compareValue any) (bool, error) {
		return test(asString(fieldValue), asString(compareValue)), nil
	}
}

func (e *Evaluator) operatorRegex(fieldValue, compareValue any) (bool, error) {
	pattern, ok := compareValue.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}
	re, err := e.compileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(asString(fieldValue)), nil
}

func (e *Evaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Get(pattern); ok {
		return re, nil
	}
	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	_, _ = e.regexes.Set(pattern, re)
	return re, nil
}

// dangerousFragments are nested quantifiers known to backtrack badly
var dangerousFragments = []string{
	`(\w+)*\w`,
	`(\w*)+`,
	`(a+)+`,
	`([a-zA-Z]+)*`,
	`(\d+)*\d`,
	`(.*)*`,
	`(.+)+`,
	`(\s+)*\s`,
	`([^,]+)*[^,]`,
}

var largeRepeat = regexp.MustCompile(`\{\d{4,}`)

// validateRegexComplexity rejects patterns that are likely to be slow. It is
// a heuristic, not a proof.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}
	for _, fragment := range dangerousFragments {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers that may backtrack exponentially")
		}
	}
	if largeRepeat.MatchString(pattern) {
		return fmt.Errorf("regex pattern contains excessive repetition count (>= 1000)")
	}
	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many capture groups (max 20)")
	}

	depth, maxDepth := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			maxDepth = max(maxDepth, depth)
		case ')':
			depth--
		}
	}
	if maxDepth > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}
	return nil
}

// compareValues orders numerically when both sides are numbers and by
// string form otherwise
func compareValues(a, b any) int {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)
	if aIsNum && bIsNum {
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		}
		return 0
	}
	return strings.Compare(asString(a), asString(b))
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
