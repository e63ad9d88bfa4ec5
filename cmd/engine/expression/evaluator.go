// Package expression evaluates ${...} condition expressions against a
// variable context. The language is CEL with the engine's comparison
// rules bound over it: ordered comparisons coerce numeric strings and
// ISO-8601 dates, and dotted property access is null-safe past the
// root. Compiled programs are cached per evaluator.
package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Evaluator compiles and evaluates condition expressions. Safe for
// concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// New creates an evaluator with an empty compilation cache
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs the expression against the variable context and returns
// the resulting value.
func (e *Evaluator) Evaluate(raw string, vars map[string]interface{}) (interface{}, error) {
	prg, err := e.compile(raw)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(activation(vars))
	if err != nil {
		return nil, sdk.WrapError(sdk.CodeExprEval, fmt.Sprintf("expression %q", raw), err)
	}
	return nativeValue(out), nil
}

// EvaluateBool evaluates a condition. Non-boolean results fail with
// EXPR_EVAL.
func (e *Evaluator) EvaluateBool(raw string, vars map[string]interface{}) (bool, error) {
	v, err := e.Evaluate(raw, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, sdk.Errorf(sdk.CodeExprEval, "condition %q did not evaluate to a boolean", raw)
	}
	return b, nil
}

func (e *Evaluator) compile(raw string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[raw]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	inner, err := unwrap(raw)
	if err != nil {
		return nil, err
	}
	env, err := newEnv()
	if err != nil {
		return nil, sdk.WrapError(sdk.CodeExprSyntax, "condition environment", err)
	}
	// parse-only: identifiers resolve against the activation at eval
	// time, so undefined roots surface as evaluation errors
	ast, issues := env.Parse(inner)
	if issues != nil && issues.Err() != nil {
		return nil, sdk.Errorf(sdk.CodeExprSyntax, "expression %q: %v", raw, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, sdk.Errorf(sdk.CodeExprSyntax, "expression %q: %v", raw, err)
	}

	e.mu.Lock()
	e.cache[raw] = prg
	e.mu.Unlock()
	return prg, nil
}

// unwrap strips the ${} wrapper. Bare expressions are accepted as-is; a
// ${ without its closing brace is a syntax error.
func unwrap(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "${") {
		return s, nil
	}
	if !strings.HasSuffix(s, "}") {
		return "", sdk.Errorf(sdk.CodeExprSyntax, "expression %q is missing its closing brace", raw)
	}
	return s[2 : len(s)-1], nil
}

// newEnv builds the condition environment. It carries no CEL standard
// library: ordered comparisons and logical not get the engine's
// coercion bindings, while equality, && and || come from the
// interpreter itself.
func newEnv() (*cel.Env, error) {
	return cel.NewCustomEnv(
		cel.CustomTypeAdapter(contextAdapter{}),
		ordering(operators.Less, "less_dyn", func(cmp int) bool { return cmp < 0 }),
		ordering(operators.LessEquals, "less_equals_dyn", func(cmp int) bool { return cmp <= 0 }),
		ordering(operators.Greater, "greater_dyn", func(cmp int) bool { return cmp > 0 }),
		ordering(operators.GreaterEquals, "greater_equals_dyn", func(cmp int) bool { return cmp >= 0 }),
		cel.Function(operators.LogicalNot,
			cel.Overload("logical_not_dyn", []*cel.Type{cel.DynType}, cel.BoolType),
			cel.SingletonUnaryBinding(func(v ref.Val) ref.Val {
				b, ok := v.(types.Bool)
				if !ok {
					return types.NewErr("operand of ! is not a boolean")
				}
				return !b
			})),
	)
}

// ordering binds a comparison operator to compareOrdered's coercion
// rules
func ordering(op, overloadID string, keep func(int) bool) cel.EnvOption {
	return cel.Function(op,
		cel.Overload(overloadID, []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType),
		cel.SingletonBinaryBinding(func(lhs, rhs ref.Val) ref.Val {
			cmp, err := compareOrdered(nativeValue(lhs), nativeValue(rhs))
			if err != nil {
				return types.NewErr("%s", err)
			}
			return types.Bool(keep(cmp))
		}))
}
