package validation

import "github.com/rendis/advisor/pkg/schema"

// Validator checks workflow definitions before they are stored or run.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// KindLookup reports whether a step kind has a registered handler.
// Satisfied by *steps.Registry.
type KindLookup interface {
	Has(kind schema.StepKind) bool
}
