package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// exprCache memoizes compiled CEL programs by source text so a rule with
// an expr predicate isn't recompiled on every evaluation.
var exprCache sync.Map // map[string]cel.Program

var exprEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("op", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
})

// evalExpr compiles (with caching) and runs a CEL boolean expression
// against the candidate tuple. This is an optional extension to the
// static match grammar for predicates it can't express, such as
// comparisons across multiple param fields or list membership.
func evalExpr(source, tool, op string, params, ctx map[string]any) (bool, error) {
	prg, err := compileExpr(source)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"tool":    tool,
		"op":      op,
		"params":  toCelMap(params),
		"context": toCelMap(ctx),
	})
	if err != nil {
		return false, fmt.Errorf("policy: expr eval error: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expr %q did not evaluate to a bool", source)
	}
	return b, nil
}

func compileExpr(source string) (cel.Program, error) {
	if cached, ok := exprCache.Load(source); ok {
		return cached.(cel.Program), nil
	}

	env, err := exprEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: expr compile %q: %w", source, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: expr program %q: %w", source, err)
	}

	exprCache.Store(source, prg)
	return prg, nil
}

func toCelMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
