// Package script runs script-task bodies in a CEL sandbox. Scripts are
// evaluated line by line: each line is a CEL expression over the
// decoded variable context, `set_variable(name, value)` records a
// variable write, and `result = <expr>` (or the last line's value)
// becomes the script result.
package script

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/uuid"

	"github.com/fluxline/bpmn-engine/common/sdk"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Executor evaluates script bodies. Safe for concurrent use; each run
// gets its own CEL environment so set_variable bindings stay isolated.
type Executor struct {
	timeout time.Duration
	logger  Logger
}

// Opts configures the script executor
type Opts struct {
	// Timeout bounds a single script run; zero means no bound
	Timeout time.Duration
	Logger  Logger
}

// NewExecutor creates a script executor
func NewExecutor(opts Opts) *Executor {
	return &Executor{
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
}

// Result carries the script outcome
type Result struct {
	// Value of `result`, or the last evaluated line
	Value interface{}

	// Variables written through set_variable, in script order
	SetVariables map[string]interface{}
}

var resultAssign = regexp.MustCompile(`^result\s*=\s*([^=].*)$`)

// Execute runs a script against the decoded variable context
func (e *Executor) Execute(ctx context.Context, body string, vars map[string]interface{}) (*Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res := &Result{SetVariables: make(map[string]interface{})}
	var mu sync.Mutex

	env, err := e.buildEnv(vars, func(name string, value interface{}) {
		mu.Lock()
		res.SetVariables[name] = value
		mu.Unlock()
	})
	if err != nil {
		return nil, sdk.WrapError(sdk.CodeExprSyntax, "script environment", err)
	}

	activation := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		activation[k] = v
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		expr := line
		assign := false
		if m := resultAssign.FindStringSubmatch(line); m != nil {
			expr = m[1]
			assign = true
		}

		value, err := e.evalLine(ctx, env, expr, activation)
		if err != nil {
			return nil, err
		}
		res.Value = value
		if assign {
			activation["result"] = value
		}

		// writes become visible to subsequent lines
		mu.Lock()
		for k, v := range res.SetVariables {
			activation[k] = v
		}
		mu.Unlock()
	}

	return res, nil
}

func (e *Executor) evalLine(ctx context.Context, env *cel.Env, expr string, activation map[string]interface{}) (interface{}, error) {
	// parse-only: identifiers resolve against the activation at eval
	// time, so variables written by earlier set_variable lines work
	// without re-declaring the environment.
	ast, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, sdk.WrapError(sdk.CodeExprSyntax, "compile script line", issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, sdk.WrapError(sdk.CodeExprSyntax, "build script program", err)
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, sdk.WrapError(sdk.CodeExprEval, "evaluate script line", err)
	}
	return nativeValue(out), nil
}

// buildEnv declares every context variable as dyn and binds the script
// built-ins. The set_variable binding writes through the given sink.
func (e *Executor) buildEnv(vars map[string]interface{}, sink func(string, interface{})) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable("result", cel.DynType),
		cel.Function("set_variable",
			cel.Overload("set_variable_string_dyn",
				[]*cel.Type{cel.StringType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(name ref.Val, value ref.Val) ref.Val {
					n, ok := name.Value().(string)
					if !ok {
						return types.NewErr("set_variable name must be a string")
					}
					sink(n, nativeValue(value))
					return types.True
				}),
			),
		),
		cel.Function("now",
			cel.Overload("now_timestamp", nil, cel.TimestampType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.Timestamp{Time: time.Now().UTC()}
				}),
			),
		),
		cel.Function("uuid",
			cel.Overload("uuid_string", nil, cel.StringType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.String(uuid.NewString())
				}),
			),
		),
	}
	for name := range vars {
		if name == "result" {
			continue
		}
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	return cel.NewEnv(opts...)
}

// nativeValue converts a CEL value to plain Go
func nativeValue(v ref.Val) interface{} {
	if v == nil {
		return nil
	}
	switch v.Type() {
	case types.NullType:
		return nil
	case types.IntType:
		return v.Value().(int64)
	case types.TimestampType:
		if t, ok := v.Value().(time.Time); ok {
			return t
		}
	}
	native := v.Value()
	switch n := native.(type) {
	case map[ref.Val]ref.Val:
		out := make(map[string]interface{}, len(n))
		for k, val := range n {
			if ks, ok := k.Value().(string); ok {
				out[ks] = nativeValue(val)
			}
		}
		return out
	case []ref.Val:
		out := make([]interface{}, 0, len(n))
		for _, val := range n {
			out = append(out, nativeValue(val))
		}
		return out
	}
	return native
}
