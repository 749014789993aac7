package expressions

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"

	"github.com/rendis/advisor/pkg/schema"
)

// GoJQEngine runs jq programs for transform steps declared with
// `language: jq`. The input document is the transform snapshot
// (variables, input, previousOutputs). Safe for concurrent use.
type GoJQEngine struct {
	cache *lru.Cache[string, *gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string {
	return schema.LanguageJQ
}

// Evaluate returns nil for no output, the value for one output and a []any
// when the program emits several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEvaluation, "empty jq expression")
	}

	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	var doc any = map[string]any{}
	if data != nil {
		doc = jqValue(data)
	}

	var results []any
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq evaluation failed for %q: %s", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	if code, ok := e.cache.Get(expression); ok {
		return code, nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, evalError("jq parse error in %q: %s", expression, err)
	}
	// $ENV and env see an empty environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, evalError("jq compile error in %q: %s", expression, err)
	}
	e.cache.Add(expression, code)
	return code, nil
}

// jqValue turns Go numbers into float64 so input decoded from YAML and step
// outputs built in Go compute the same way as values decoded from JSON.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
