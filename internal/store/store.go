package store

import (
	"context"
	"time"

	"github.com/rendis/advisor/pkg/schema"
)

// DefinitionSource reads workflow definitions. Definitions are never mutated
// by a run.
type DefinitionSource interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListActiveSteps(ctx context.Context, workflowID string) ([]schema.StepDefinition, error)
}

// DefinitionStore adds authoring operations to a DefinitionSource.
type DefinitionStore interface {
	DefinitionSource
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionRecorder persists executions and their step audit rows.
type ExecutionRecorder interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	// CancelExecution moves a pending or running execution to cancelled and
	// reports whether it did.
	CancelExecution(ctx context.Context, id string, at time.Time) (bool, error)
	CreateStepExecution(ctx context.Context, step *StepExecution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)
}

// EventStore is the append-only execution event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
}

// ScheduleStore persists cron-triggered runs.
type ScheduleStore interface {
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	DefinitionStore
	ExecutionRecorder
	EventStore
	ScheduleStore

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
