package steps

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/internal/logging"
	"github.com/rendis/advisor/pkg/schema"
)

// Executor dispatches steps to their handlers and turns every outcome,
// including panics, into a StepResult.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

// Dispatch runs step against ec. The config is decoded and validated before
// the handler is invoked; an unknown kind never reaches a handler.
func (e *Executor) Dispatch(ctx context.Context, step schema.StepDefinition, ec *expressions.ExecutionContext) (res StepResult) {
	ctx = logging.WithStepID(ctx, step.ID)

	handler, err := e.registry.Get(step.Kind)
	if err != nil {
		return failure(schema.AsAdvisorError(err, schema.ErrCodeUnknownStepKind).WithStep(step.ID))
	}

	cfg, err := schema.DecodeStepConfig(step.Kind, step.Config)
	if err != nil {
		return failure(schema.AsAdvisorError(err, schema.ErrCodeInvalidConfig).WithStep(step.ID))
	}

	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("step handler panicked",
				slog.String("kind", string(step.Kind)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = failure(schema.NewErrorf(schema.ErrCodeHandlerPanic,
				"%s handler panicked: %v", step.Kind, r).
				WithStep(step.ID).
				WithDetails(map[string]any{"panic": fmt.Sprint(r)}))
		}
	}()

	out, err := handler.Handle(ctx, cfg, ec)
	if err != nil {
		return failure(schema.AsAdvisorError(err, schema.ErrCodeEvaluation).WithStep(step.ID))
	}
	return success(out)
}
