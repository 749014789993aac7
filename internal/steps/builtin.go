package steps

import (
	"log/slog"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/internal/llm"
	"github.com/rendis/advisor/internal/pricing"
)

// Dependencies are the collaborators the built-in handlers need.
type Dependencies struct {
	Completer llm.Completer
	Costs     *pricing.Calculator
	HTTP      HTTPConfig
	Logger    *slog.Logger
}

// RegisterBuiltins registers the five built-in step handlers in reg.
func RegisterBuiltins(reg *Registry, deps Dependencies) error {
	evaluator, err := expressions.NewConditionEvaluator()
	if err != nil {
		return err
	}

	all := []Handler{
		NewLLMHandler(deps.Completer, deps.Costs, deps.Logger),
		NewConditionalHandler(evaluator),
		NewTransformHandler(),
		NewUserInputHandler(),
		NewAPICallHandler(deps.HTTP),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
