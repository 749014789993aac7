package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/advisor/pkg/schema"
)

// ConditionEvaluator evaluates boolean expressions against a scope chain.
// expr-lang is the default language; CEL is available on request.
type ConditionEvaluator struct {
	expr *ExprEngine
	cel  *CELEngine
}

// NewConditionEvaluator creates an evaluator with both languages ready.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{expr: NewExprEngine(), cel: celEngine}, nil
}

// Evaluate runs expression in the given language and requires a boolean result.
//
// expr sees the flattened chain as top-level variables, e.g. "revenue > 100000".
// CEL sees the flattened chain as "vars" plus one map per scope, e.g.
// "input.revenue > 100000".
func (e *ConditionEvaluator) Evaluate(ctx context.Context, language, expression string, chain *ScopeChain) (bool, error) {
	var (
		out any
		err error
	)
	switch language {
	case "", schema.LanguageExpr:
		out, err = e.expr.Evaluate(ctx, expression, chain.Flatten())
	case schema.LanguageCEL:
		out, err = e.cel.Evaluate(ctx, expression, celData(chain))
	default:
		return false, schema.NewErrorf(schema.ErrCodeInvalidConfig, "unsupported condition language %q", language)
	}
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"condition %q evaluated to %s, not a boolean", expression, describe(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func celData(chain *ScopeChain) map[string]any {
	data := map[string]any{"vars": chain.Flatten()}
	for _, name := range chain.Names() {
		values, _ := chain.Scope(name)
		data[name] = deepCopyMap(values)
	}
	return data
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
