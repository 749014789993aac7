package steps

import (
	"context"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/pkg/schema"
)

// previousOutputsKey exposes step outputs to transform code.
const previousOutputsKey = "previousOutputs"

// TransformHandler reshapes context data with restricted expressions or a
// built-in transform.
type TransformHandler struct {
	expr *expressions.ExprEngine
	jq   *expressions.GoJQEngine
}

// NewTransformHandler creates a TransformHandler with its own engines.
func NewTransformHandler() *TransformHandler {
	return &TransformHandler{
		expr: expressions.NewExprEngine(),
		jq:   expressions.NewGoJQEngine(),
	}
}

func (h *TransformHandler) Kind() schema.StepKind { return schema.StepKindTransform }

func (h *TransformHandler) Handle(ctx context.Context, cfg schema.StepConfig, ec *expressions.ExecutionContext) (*Result, error) {
	c, err := configAs[*schema.TransformConfig](cfg)
	if err != nil {
		return nil, err
	}

	data := transformInput(ec)

	if c.Code != "" {
		var engine expressions.Engine = h.expr
		if c.Language == schema.LanguageJQ {
			engine = h.jq
		}
		out, err := engine.Evaluate(ctx, c.Code, data)
		if err != nil {
			ae := schema.AsAdvisorError(err, schema.ErrCodeEvaluation)
			return nil, schema.NewError(schema.ErrCodeEvaluation, "Transformation failed: "+ae.Message).
				WithCause(err).
				WithDetails(ae.Details)
		}
		return &Result{Output: out}, nil
	}

	switch c.TransformType {
	case schema.TransformExtract:
		return &Result{Output: extractFields(data, c.Fields)}, nil
	case schema.TransformFormat:
		return &Result{Output: formatData(data, c.Template)}, nil
	case schema.TransformAggregate:
		return &Result{Output: data}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "Unknown transform type: %s", c.TransformType)
	}
}

// transformInput builds the document transforms run against: variables, then
// input (input wins), plus previousOutputs. Every value is a private copy.
func transformInput(ec *expressions.ExecutionContext) map[string]any {
	chain := expressions.NewScopeChain(
		expressions.Scope{Name: expressions.ScopeVariables, Values: ec.Variables()},
		expressions.Scope{Name: expressions.ScopeInput, Values: ec.Input()},
	)
	data := chain.Flatten()
	data[previousOutputsKey] = ec.StepOutputs()
	return data
}

// extractFields projects fields out of data. Dotted names reach into nested
// maps; absent fields are skipped.
func extractFields(data map[string]any, fields []string) map[string]any {
	src := expressions.NewScopeChain(expressions.Scope{Name: "data", Values: data})
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := src.Lookup(f); ok {
			out[f] = v
		}
	}
	return out
}

// formatData shallow-merges template over data.
func formatData(data, template map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(template))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range template {
		out[k] = expressions.DeepCopy(v)
	}
	return out
}

var _ Handler = (*TransformHandler)(nil)
