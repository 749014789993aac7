package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/advisor/pkg/schema"
)

// celVariables are the top-level names a CEL condition can reference:
//
//	vars       flattened scope chain, later scopes win
//	variables  positional step_<n>_output values
//	input      execution input data
//	client     client_name, client_id, practice_id
//	steps      step outputs keyed by step id
var celVariables = []string{"vars", ScopeVariables, ScopeInput, ScopeClient, ScopeSteps}

// CELEngine evaluates CEL conditions, selected with `language: cel` on a
// conditional step. Safe for concurrent use.
type CELEngine struct {
	env   *cel.Env
	cache *lru.Cache[string, cel.Program]
}

// NewCELEngine declares every celVariables entry as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	// Input numbers are decoded from JSON as doubles; revenue > 100000 must
	// still compile and compare.
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string {
	return schema.LanguageCEL
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeEvaluation, "empty CEL expression")
	}

	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, evalError("CEL evaluation failed for %q: %s", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, evalError("CEL compile error in %q: %s", expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, evalError("CEL program error for %q: %s", expression, err)
	}
	e.cache.Add(expression, prg)
	return prg, nil
}

// celActivation binds every declared variable; ones missing from data are
// bound to an empty map.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
