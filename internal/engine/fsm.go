package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type noopAppender struct{}

func (noopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

// --- Execution FSM ---

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	if appender == nil {
		appender = noopAppender{}
	}
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates an execution state transition and emits the
// corresponding event. The caller persists the new state; the store's
// compare-and-set write is what makes the transition stick.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	if err := CheckTransition(from, to); err != nil {
		err.Details["execution_id"] = executionID
		return err
	}

	f.mu.Lock()
	key := hookKey{from, to}
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}

	if eventType := executionEventType(to); eventType != "" {
		if err := emit(ctx, f.appender, &store.Event{ExecutionID: executionID, Type: eventType}, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CheckTransition reports whether from -> to is an allowed execution transition.
func CheckTransition(from, to schema.ExecutionStatus) *schema.AdvisorError {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM records the outcome of step attempts. A step is running while its
// handler is dispatched and ends completed or failed.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	if appender == nil {
		appender = noopAppender{}
	}
	return &StepFSM{appender: appender}
}

// Transition validates a step state transition and emits its event.
func (f *StepFSM) Transition(ctx context.Context, executionID, stepID string, from, to schema.StepExecutionStatus, payload any) error {
	if from != schema.StepStatusRunning || (to != schema.StepStatusCompleted && to != schema.StepStatusFailed) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := schema.EventStepCompleted
	if to == schema.StepStatusFailed {
		eventType = schema.EventStepFailed
	}
	if err := emit(ctx, f.appender, &store.Event{ExecutionID: executionID, StepID: stepID, Type: eventType}, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

func emit(ctx context.Context, appender EventAppender, event *store.Event, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		event.Payload = raw
	}
	return appender.AppendEvent(ctx, event)
}

// --- Transition table ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}
