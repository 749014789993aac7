package validation

import (
	"fmt"

	"github.com/rendis/advisor/pkg/schema"
)

// validateSemantic checks what the schema cannot express: step id
// uniqueness, handler registration, per-kind config decoding, and branch
// references.
func validateSemantic(def *schema.WorkflowDefinition, kinds KindLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if first, dup := ids[step.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, first))
			continue
		}
		ids[step.ID] = i
	}

	orders := make(map[int]string)
	active := 0
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(step, path, ids, kinds, result)

		if !step.IsActive() {
			continue
		}
		active++
		if other, clash := orders[step.Order]; clash && step.Order != 0 {
			result.AddWarning(path+".order", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("step %q shares order %d with %q; declaration order applies", step.ID, step.Order, other))
		} else {
			orders[step.Order] = step.ID
		}
	}

	if active == 0 {
		result.AddWarning("steps", schema.ErrCodeNoActiveSteps, "workflow has no active steps and cannot run")
	}
	return result
}

// validateStep checks a single step. Config problems on inactive steps are
// downgraded to warnings.
func validateStep(step schema.StepDefinition, path string, ids map[string]int, kinds KindLookup, result *schema.ValidationResult) {
	report := result.AddError
	if !step.IsActive() {
		report = result.AddWarning
	}

	if kinds != nil && !kinds.Has(step.Kind) {
		report(path+".kind", schema.ErrCodeUnknownStepKind,
			fmt.Sprintf("no handler registered for step kind %q", step.Kind))
		return
	}

	cfg, err := schema.DecodeStepConfig(step.Kind, step.Config)
	if err != nil {
		ae := schema.AsAdvisorError(err, schema.ErrCodeInvalidConfig)
		report(path+".config", ae.Code, ae.Message)
		return
	}

	cond, ok := cfg.(*schema.ConditionalConfig)
	if !ok {
		return
	}
	for field, target := range map[string]string{"true_branch": cond.TrueBranch, "false_branch": cond.FalseBranch} {
		if target == "" {
			continue
		}
		if _, exists := ids[target]; !exists {
			result.AddWarning(path+".config."+field, schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("%s references unknown step %q", field, target))
		}
	}
}
