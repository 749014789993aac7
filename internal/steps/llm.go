package steps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/internal/llm"
	"github.com/rendis/advisor/internal/logging"
	"github.com/rendis/advisor/internal/pricing"
	"github.com/rendis/advisor/pkg/schema"
)

// LLMHandler renders a prompt from the scope chain and sends it to the
// completion provider.
type LLMHandler struct {
	completer    llm.Completer
	costs        *pricing.Calculator
	interpolator *expressions.PromptInterpolator
	logger       *slog.Logger
}

// NewLLMHandler creates an LLMHandler. A nil calculator uses the default
// pricing table.
func NewLLMHandler(completer llm.Completer, costs *pricing.Calculator, logger *slog.Logger) *LLMHandler {
	if costs == nil {
		costs = pricing.NewCalculator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMHandler{
		completer:    completer,
		costs:        costs,
		interpolator: expressions.NewPromptInterpolator(),
		logger:       logger,
	}
}

func (h *LLMHandler) Kind() schema.StepKind { return schema.StepKindLLM }

func (h *LLMHandler) Handle(ctx context.Context, cfg schema.StepConfig, ec *expressions.ExecutionContext) (*Result, error) {
	c, err := configAs[*schema.LLMConfig](cfg)
	if err != nil {
		return nil, err
	}
	if h.completer == nil {
		return nil, schema.NewError(schema.ErrCodeCollaborator, "no LLM provider configured")
	}

	chain := ec.Chain()
	for _, name := range c.InputVariables {
		if _, ok := chain.Lookup(name); !ok {
			logging.LogWith(ctx, h.logger).Warn("declared input variable not found in context",
				slog.String("variable", name))
		}
	}

	messages := make([]llm.Message, 0, 2)
	if c.SystemPrompt != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: h.interpolator.Interpolate(c.SystemPrompt, chain),
		})
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: h.interpolator.Interpolate(c.Prompt, chain),
	})

	completion, err := h.completer.Complete(ctx, llm.CompletionRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: c.EffectiveTemperature(),
		MaxTokens:   c.EffectiveMaxTokens(),
	})
	if err != nil {
		return nil, providerFailure(err, c.Model)
	}

	model := completion.Model
	if model == "" {
		model = c.Model
	}
	// Providers often echo a dated model name; price by it when known.
	priceModel := model
	if !h.costs.Known(priceModel) {
		priceModel = c.Model
	}
	provider := completion.Provider
	if provider == "" {
		provider = llm.ProviderOpenRouter
	}

	return &Result{
		Output: completion.Text,
		Usage: &Usage{
			Provider:         provider,
			Model:            model,
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
			TotalTokens:      completion.TotalTokens(),
			CostUSD:          h.costs.Cost(priceModel, completion.PromptTokens, completion.CompletionTokens),
		},
	}, nil
}

func providerFailure(err error, model string) *schema.AdvisorError {
	details := map[string]any{"model": model}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode != 0 {
			details["status_code"] = pe.StatusCode
		}
		return schema.NewErrorf(schema.ErrCodeCollaborator, "LLM request failed: %s", pe.Message).
			WithCause(err).
			WithDetails(details)
	}
	return schema.NewErrorf(schema.ErrCodeCollaborator, "LLM request failed: %s", err.Error()).
		WithCause(err).
		WithDetails(details)
}

var _ Handler = (*LLMHandler)(nil)
