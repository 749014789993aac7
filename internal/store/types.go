package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/advisor/pkg/schema"
)

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	PracticeID    string                 `json:"practice_id"`
	ClientID      string                 `json:"client_id,omitempty"`
	ClientName    string                 `json:"client_name,omitempty"`
	Status        schema.ExecutionStatus `json:"status"`
	Progress      int                    `json:"progress"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	Input         map[string]any         `json:"input,omitempty"`
	Output        map[string]any         `json:"output,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ExecutedBy    string                 `json:"executed_by,omitempty"`
	TotalTokens   int                    `json:"total_tokens"`
	TotalCostUSD  float64                `json:"total_cost_usd"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	DurationMs    *int64                 `json:"duration_ms,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ExecutionUpdate holds the fields to change on an execution. Nil fields are
// left untouched. When ExpectStatus is set the update only applies if the
// stored status still equals it.
type ExecutionUpdate struct {
	ExpectStatus  *schema.ExecutionStatus
	Status        *schema.ExecutionStatus
	Progress      *int
	CurrentStepID *string
	Output        map[string]any
	ErrorMessage  *string
	TotalTokens   *int
	TotalCostUSD  *float64
	CompletedAt   *time.Time
	DurationMs    *int64
}

// StepExecution is the append-only audit row for one attempted step.
type StepExecution struct {
	ID               string                     `json:"id"`
	ExecutionID      string                     `json:"execution_id"`
	StepID           string                     `json:"step_id"`
	StepKind         schema.StepKind            `json:"step_kind"`
	StepOrder        int                        `json:"step_order"`
	Status           schema.StepExecutionStatus `json:"status"`
	Input            map[string]any             `json:"input,omitempty"`
	Output           any                        `json:"output,omitempty"`
	ErrorCode        string                     `json:"error_code,omitempty"`
	ErrorMessage     string                     `json:"error_message,omitempty"`
	Provider         string                     `json:"provider,omitempty"`
	Model            string                     `json:"model,omitempty"`
	PromptTokens     int                        `json:"prompt_tokens,omitempty"`
	CompletionTokens int                        `json:"completion_tokens,omitempty"`
	TotalTokens      int                        `json:"total_tokens,omitempty"`
	CostUSD          float64                    `json:"cost_usd,omitempty"`
	StartedAt        time.Time                  `json:"started_at"`
	CompletedAt      time.Time                  `json:"completed_at"`
	DurationMs       int64                      `json:"duration_ms"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered execution of a workflow.
type ScheduledRun struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	CronExpression  string         `json:"cron_expression"`
	PracticeID      string         `json:"practice_id"`
	ClientID        string         `json:"client_id,omitempty"`
	ClientName      string         `json:"client_name,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	ExecutedBy      string         `json:"executed_by,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ScheduledRunUpdate holds the fields to change on a scheduled run.
type ScheduledRunUpdate struct {
	Enabled         *bool
	CronExpression  *string
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	LastRunStatus   *string
	LastExecutionID *string
}

// ScheduledRunFilter filters scheduled run listings.
type ScheduledRunFilter struct {
	WorkflowID string
	Enabled    *bool
	Limit      int
}

// ExecutionFilter filters execution listings.
type ExecutionFilter struct {
	WorkflowID string
	PracticeID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// WorkflowFilter filters stored workflow definitions.
type WorkflowFilter struct {
	ServiceType string
	Category    string
	Limit       int
}
