package core

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Expression is a specification backed by a compiled CEL program. The program
// sees the context through these variables:
//
//	user_data        map(string, dyn)
//	counters         map(string, int)
//	flags            map(string, bool)
//	events           map(string, timestamp)
//	segments         list(string)
//	now, launched_at timestamp
//	elapsed_seconds  double
//
// Evaluation errors (for example indexing a missing key) fail closed.
type Expression struct {
	source  string
	program cel.Program
}

var expressionEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("user_data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("counters", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("flags", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("events", cel.MapType(cel.StringType, cel.TimestampType)),
		cel.Variable("segments", cel.ListType(cel.StringType)),
		cel.Variable("now", cel.TimestampType),
		cel.Variable("launched_at", cel.TimestampType),
		cel.Variable("elapsed_seconds", cel.DoubleType),
	)
})

// NewExpression compiles source. The expression must produce a bool.
func NewExpression(source string) (Expression, error) {
	env, err := expressionEnv()
	if err != nil {
		return Expression{}, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Expression{}, fmt.Errorf("compile expression %q: %w", source, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return Expression{}, fmt.Errorf("expression %q must evaluate to bool, got %s", source, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return Expression{}, fmt.Errorf("program expression %q: %w", source, err)
	}

	return Expression{source: source, program: program}, nil
}

// Source returns the expression text.
func (e Expression) Source() string { return e.source }

// IsSatisfiedBy runs the program against c. The zero Expression, evaluation
// errors and non-bool results are not satisfied.
func (e Expression) IsSatisfiedBy(c EvaluationContext) bool {
	if e.program == nil {
		return false
	}

	out, _, err := e.program.Eval(map[string]any{
		"user_data":       nonNil(c.userData),
		"counters":        nonNil(c.counters),
		"flags":           nonNil(c.flags),
		"events":          nonNil(c.events),
		"segments":        c.SegmentList(),
		"now":             c.currentTime,
		"launched_at":     c.launchTime,
		"elapsed_seconds": c.Elapsed().Seconds(),
	})
	if err != nil {
		return false
	}

	result, ok := out.Value().(bool)
	return ok && result
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
