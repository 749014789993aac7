package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/advisor/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It is the default language for
// conditional steps and transform code: comparisons, arithmetic, field
// lookups, literals, ?? and ?. are available; function calls into Go are not.
// Safe for concurrent use.
type ExprEngine struct {
	cache *lru.Cache[string, *vm.Program]
}

// NewExprEngine creates an ExprEngine with a bounded program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string {
	return schema.LanguageExpr
}

// Evaluate runs expression with every key of data bound as a variable.
// Unknown variables evaluate to nil rather than failing compilation.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEvaluation, "empty expr expression")
	}

	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr evaluation failed for %q: %s", expression, err)
	}
	return out, nil
}

// program compiles against an untyped environment, so a cached program is
// valid for any later data shape.
func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, evalError("expr compile error in %q: %s", expression, err)
	}
	e.cache.Add(expression, prg)
	return prg, nil
}

func evalError(format, expression string, err error) *schema.AdvisorError {
	return schema.NewErrorf(schema.ErrCodeEvaluation, format, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
