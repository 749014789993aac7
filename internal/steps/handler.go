package steps

import (
	"context"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/pkg/schema"
)

// Handler executes one kind of step. cfg is already decoded and validated
// and its concrete type matches Kind().
type Handler interface {
	Kind() schema.StepKind
	Handle(ctx context.Context, cfg schema.StepConfig, ec *expressions.ExecutionContext) (*Result, error)
}

// Result is a successful handler outcome.
type Result struct {
	Output any
	// Usage is set by generative steps only.
	Usage *Usage
}

// Usage is the token and cost accounting of a generative step.
type Usage struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// StepResult is the uniform outcome of dispatching a step.
type StepResult struct {
	Success bool                 `json:"success"`
	Output  any                  `json:"output,omitempty"`
	Error   *schema.AdvisorError `json:"error,omitempty"`
	Usage   *Usage               `json:"usage,omitempty"`
}

func success(r *Result) StepResult {
	if r == nil {
		return StepResult{Success: true}
	}
	return StepResult{Success: true, Output: r.Output, Usage: r.Usage}
}

func failure(err *schema.AdvisorError) StepResult {
	return StepResult{Success: false, Error: err}
}

// configAs asserts cfg to the concrete variant a handler expects.
func configAs[T schema.StepConfig](cfg schema.StepConfig) (T, error) {
	c, ok := cfg.(T)
	if !ok {
		var zero T
		return zero, schema.NewErrorf(schema.ErrCodeInvalidConfig, "unexpected config type %T", cfg)
	}
	return c, nil
}
