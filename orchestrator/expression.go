package orchestrator

import (
	"github.com/expr-lang/expr"
)

// Eval evaluates an expr-lang expression against the given environment.
// Missing variables resolve to nil instead of failing compilation, which lets
// flow authors reference slots that may not be filled yet.
func Eval(expression string, env map[string]any) (any, error) {
	opts := []expr.Option{
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	}
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

// EvalBool evaluates an expression expected to produce a boolean. Any
// non-boolean result or evaluation error counts as false; validation
// expressions follow the executor's fail-soft policy.
func EvalBool(expression string, env map[string]any) bool {
	result, err := Eval(expression, env)
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}
