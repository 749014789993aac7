package schema

import (
	"encoding/json"
	"sort"
)

// WorkflowDefinition is an ordered list of typed steps plus catalog metadata.
// Definitions are read-only while executions run against them.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	ServiceType string           `json:"service_type,omitempty"`
	Category    string           `json:"category,omitempty"`
	Version     int              `json:"version,omitempty"`
	Steps       []StepDefinition `json:"steps"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID          string          `json:"id"`
	Order       int             `json:"order"`
	Kind        StepKind        `json:"kind"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Active      *bool           `json:"active,omitempty"` // nil means active
}

// IsActive reports whether the step takes part in executions.
func (s StepDefinition) IsActive() bool {
	return s.Active == nil || *s.Active
}

// StepKind is the discriminated-union tag of a step.
type StepKind string

const (
	StepKindLLM         StepKind = "llm"
	StepKindConditional StepKind = "conditional"
	StepKindTransform   StepKind = "transform"
	StepKindUserInput   StepKind = "user_input"
	StepKindAPICall     StepKind = "api_call"
)

// StepKinds lists every known step kind.
var StepKinds = []StepKind{
	StepKindLLM, StepKindConditional, StepKindTransform, StepKindUserInput, StepKindAPICall,
}

// ActiveSteps returns the active steps ordered by ascending Order.
// Steps sharing an Order keep their declaration order.
func (d *WorkflowDefinition) ActiveSteps() []StepDefinition {
	active := make([]StepDefinition, 0, len(d.Steps))
	for _, s := range d.Steps {
		if s.IsActive() {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Order < active[j].Order
	})
	return active
}

// Bool returns a pointer to b, for optional flags such as StepDefinition.Active.
func Bool(b bool) *bool {
	return &b
}
