package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/advisor/pkg/schema"
)

// Scope names in ascending precedence order.
const (
	ScopeVariables = "variables"
	ScopeInput     = "input"
	ScopeClient    = "client"
	ScopeSteps     = "steps"
)

// DefaultClientName is used when an execution carries no client name.
const DefaultClientName = "Unknown Client"

// Scope is a named set of values inside a ScopeChain.
type Scope struct {
	Name   string
	Values map[string]any
}

// ScopeChain is an ordered list of named scopes. Scopes are stored lowest
// precedence first; lookups walk from the last scope to the first, so a later
// scope shadows an earlier one.
type ScopeChain struct {
	scopes []Scope
}

// NewScopeChain builds a chain from scopes given in ascending precedence.
func NewScopeChain(scopes ...Scope) *ScopeChain {
	return &ScopeChain{scopes: scopes}
}

// Names returns the scope names in ascending precedence.
func (c *ScopeChain) Names() []string {
	names := make([]string, len(c.scopes))
	for i, s := range c.scopes {
		names[i] = s.Name
	}
	return names
}

// Scope returns the values of the named scope.
func (c *ScopeChain) Scope(name string) (map[string]any, bool) {
	for _, s := range c.scopes {
		if s.Name == name {
			return s.Values, true
		}
	}
	return nil, false
}

// Resolve finds name in the highest-precedence scope that defines it and
// reports which scope answered. A direct key match is tried first, which
// supports keys containing dots, then the name is traversed as a dotted path.
func (c *ScopeChain) Resolve(name string) (value any, scope string, ok bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		s := c.scopes[i]
		if v, found := s.Values[name]; found {
			return v, s.Name, true
		}
		if strings.Contains(name, ".") {
			if v, found := traversePath(s.Values, name); found {
				return v, s.Name, true
			}
		}
	}
	return nil, "", false
}

// Lookup is Resolve without the scope name.
func (c *ScopeChain) Lookup(name string) (any, bool) {
	v, _, ok := c.Resolve(name)
	return v, ok
}

// Flatten merges every scope into one map, later scopes overriding earlier
// ones. The result is a deep copy and can be modified freely.
func (c *ScopeChain) Flatten() map[string]any {
	merged := make(map[string]any)
	for _, s := range c.scopes {
		for k, v := range s.Values {
			merged[k] = deepCopyAny(v)
		}
	}
	return merged
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root map[string]any, path string) (any, bool) {
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok || seg == "" {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ClientInfo is the client metadata an execution runs against.
type ClientInfo struct {
	PracticeID string
	ClientID   string
	ClientName string
}

// ExecutionContext is the per-run state threaded through every step.
// It enforces:
//   - Step outputs are write-once and frozen (deep-copied) on insert.
//   - Input data and client metadata are immutable after construction.
//   - Every accessor returns a copy, so handlers cannot mutate engine state.
type ExecutionContext struct {
	executionID string
	workflowID  string
	client      ClientInfo
	input       map[string]any

	mu          sync.RWMutex
	stepOutputs map[string]any
	variables   map[string]any
}

// NewExecutionContext creates the context for one execution. input is deep-copied.
func NewExecutionContext(executionID, workflowID string, input map[string]any, client ClientInfo) *ExecutionContext {
	in := deepCopyMap(input)
	if in == nil {
		in = map[string]any{}
	}
	return &ExecutionContext{
		executionID: executionID,
		workflowID:  workflowID,
		client:      client,
		input:       in,
		stepOutputs: make(map[string]any),
		variables:   make(map[string]any),
	}
}

// ExecutionID returns the execution this context belongs to.
func (c *ExecutionContext) ExecutionID() string { return c.executionID }

// WorkflowID returns the workflow being executed.
func (c *ExecutionContext) WorkflowID() string { return c.workflowID }

// Client returns the client metadata.
func (c *ExecutionContext) Client() ClientInfo { return c.client }

// SetStepOutput records a completed step's output under its ID and under the
// positional variable step_<position>_output. position is 1-based. A second
// call for the same step ID is rejected.
func (c *ExecutionContext) SetStepOutput(stepID string, position int, output any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.stepOutputs[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already recorded; step outputs are write-once", stepID).WithStep(stepID)
	}

	frozen := deepCopyAny(output)
	c.stepOutputs[stepID] = frozen
	c.variables[PositionalVariable(position)] = deepCopyAny(frozen)
	return nil
}

// PositionalVariable returns the variable name holding the output of the
// step at the given 1-based position.
func PositionalVariable(position int) string {
	return fmt.Sprintf("step_%d_output", position)
}

// Input returns a copy of the input data.
func (c *ExecutionContext) Input() map[string]any {
	return deepCopyMap(c.input)
}

// StepOutputs returns a copy of the recorded step outputs.
func (c *ExecutionContext) StepOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.stepOutputs)
}

// Variables returns a copy of the positional variables.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.variables)
}

// ClientScope returns client metadata as scope values. client_name is always
// present and falls back to DefaultClientName.
func (c *ExecutionContext) ClientScope() map[string]any {
	values := map[string]any{"client_name": DefaultClientName}
	if c.client.ClientName != "" {
		values["client_name"] = c.client.ClientName
	}
	if c.client.ClientID != "" {
		values["client_id"] = c.client.ClientID
	}
	if c.client.PracticeID != "" {
		values["practice_id"] = c.client.PracticeID
	}
	return values
}

// Chain returns a snapshot scope chain: variables, input, client, steps.
func (c *ExecutionContext) Chain() *ScopeChain {
	return NewScopeChain(
		Scope{Name: ScopeVariables, Values: c.Variables()},
		Scope{Name: ScopeInput, Values: c.Input()},
		Scope{Name: ScopeClient, Values: c.ClientScope()},
		Scope{Name: ScopeSteps, Values: c.StepOutputs()},
	)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// DeepCopy returns a deep copy of a JSON-like value.
func DeepCopy(v any) any {
	return deepCopyAny(v)
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
