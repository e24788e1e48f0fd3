package orchestration

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/stepflow-io/stepflow/core"
)

// ConditionEvaluator evaluates boolean branch expressions over the same
// scope as the template resolver. Callers treat an errored condition as
// non-matching, so evaluation failures are returned, never raised further.
type ConditionEvaluator struct {
	logger core.Logger
}

// ConditionOption configures a ConditionEvaluator.
type ConditionOption func(*ConditionEvaluator)

// WithConditionLogger sets the logger (defaults to NoOp).
func WithConditionLogger(logger core.Logger) ConditionOption {
	return func(e *ConditionEvaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewConditionEvaluator creates an evaluator.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewConditionEvaluator(opts ...ConditionOption) *ConditionEvaluator {
	e := &ConditionEvaluator{logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves a condition to a boolean. Template braces are optional:
// "{{ params.x > 10 }}" and "params.x > 10" evaluate identically. Literal
// "true"/"false" short-circuit without parsing.
func (e *ConditionEvaluator) Evaluate(condition string, scope Scope) (bool, error) {
	src := strings.TrimSpace(condition)
	if strings.HasPrefix(src, "{{") && strings.HasSuffix(src, "}}") {
		src = strings.TrimSpace(src[2 : len(src)-2])
	}
	switch src {
	case "":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	value, err := expr.Eval(src, scope.env())
	if err != nil {
		e.logger.Warn("Condition evaluation failed", map[string]interface{}{
			"operation": "condition_evaluate",
			"condition": condition,
			"error":     err.Error(),
		})
		return false, &core.EngineError{
			Op:   "orchestration.ConditionEvaluator.Evaluate",
			Kind: core.KindTemplate,
			Err:  fmt.Errorf("evaluating condition %q: %w", condition, err),
		}
	}
	return truthy(value), nil
}

// truthy follows the template convention: nil, false, zero numbers, empty
// strings, and the strings "false"/"no"/"0" are false; everything else is
// true.
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "false", "no", "0":
			return false
		}
		return true
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}
