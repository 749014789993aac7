package steps

import (
	"context"
	"strings"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/pkg/schema"
)

// UserInputHandler gates a workflow on fields the caller must supply in the
// execution input.
type UserInputHandler struct{}

// NewUserInputHandler creates a UserInputHandler.
func NewUserInputHandler() *UserInputHandler { return &UserInputHandler{} }

func (h *UserInputHandler) Kind() schema.StepKind { return schema.StepKindUserInput }

func (h *UserInputHandler) Handle(_ context.Context, cfg schema.StepConfig, ec *expressions.ExecutionContext) (*Result, error) {
	c, err := configAs[*schema.UserInputConfig](cfg)
	if err != nil {
		return nil, err
	}

	input := ec.Input()
	out := make(map[string]any, len(c.Fields))
	res := &schema.ValidationResult{}
	var missing []string

	for _, f := range c.Fields {
		v, ok := input[f.Name]
		if !ok {
			missing = append(missing, f.Name)
			res.AddError(f.Name, schema.ErrCodeValidation, "missing required input field "+f.Name)
			continue
		}
		out[f.Name] = v
	}

	if !res.Valid() {
		details := map[string]any{
			"missing_fields": missing,
			"errors":         res.Errors,
		}
		if labels := fieldLabels(c.Fields, missing); len(labels) > 0 {
			details["labels"] = labels
		}
		return nil, schema.NewError(schema.ErrCodeValidation,
			"Missing required input fields: "+strings.Join(missing, ", ")).
			WithDetails(details)
	}
	return &Result{Output: out}, nil
}

func fieldLabels(fields []schema.InputField, names []string) map[string]string {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	labels := make(map[string]string)
	for _, f := range fields {
		if _, ok := wanted[f.Name]; ok && f.Label != "" {
			labels[f.Name] = f.Label
		}
	}
	return labels
}

var _ Handler = (*UserInputHandler)(nil)
