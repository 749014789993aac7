package steps

import (
	"context"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/pkg/schema"
)

// ConditionalHandler evaluates a boolean condition and reports the branch
// the definition suggests. Execution order is not changed.
type ConditionalHandler struct {
	evaluator *expressions.ConditionEvaluator
}

// NewConditionalHandler creates a ConditionalHandler.
func NewConditionalHandler(evaluator *expressions.ConditionEvaluator) *ConditionalHandler {
	return &ConditionalHandler{evaluator: evaluator}
}

func (h *ConditionalHandler) Kind() schema.StepKind { return schema.StepKindConditional }

func (h *ConditionalHandler) Handle(ctx context.Context, cfg schema.StepConfig, ec *expressions.ExecutionContext) (*Result, error) {
	c, err := configAs[*schema.ConditionalConfig](cfg)
	if err != nil {
		return nil, err
	}

	met, err := h.evaluator.Evaluate(ctx, c.Language, c.Condition, ec.Chain())
	if err != nil {
		return nil, schema.AsAdvisorError(err, schema.ErrCodeEvaluation)
	}

	next := c.FalseBranch
	if met {
		next = c.TrueBranch
	}

	out := map[string]any{"condition_met": met}
	if next != "" {
		out["next_step_id"] = next
	} else {
		out["next_step_id"] = nil
	}
	return &Result{Output: out}, nil
}

var _ Handler = (*ConditionalHandler)(nil)
