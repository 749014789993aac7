package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/advisor/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.d.lockEvents(ctx, tx, event.ExecutionID); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`), event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO execution_events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by
// sequence.
func (s *SQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventLog replays the execution event log.
type EventLog struct {
	events EventStore
}

// NewEventLog wraps an EventStore.
func NewEventLog(events EventStore) *EventLog {
	return &EventLog{events: events}
}

// StepOutcome is one recorded step outcome.
type StepOutcome struct {
	StepID  string                     `json:"step_id"`
	Status  schema.StepExecutionStatus `json:"status"`
	At      time.Time                  `json:"at"`
	Payload json.RawMessage            `json:"payload,omitempty"`
}

// Timeline is an execution reconstructed from its events.
type Timeline struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Steps       []StepOutcome          `json:"steps"`
	Events      int                    `json:"events"`
}

// Replay rebuilds the timeline of an execution.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID string) (*Timeline, error) {
	events, err := el.events.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	tl := &Timeline{ExecutionID: executionID, Status: schema.ExecutionStatusPending, Steps: []StepOutcome{}}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}
	tl.Events = len(events)

	for _, e := range events {
		ts := e.Timestamp
		switch e.Type {
		case schema.EventExecutionStarted:
			tl.Status = schema.ExecutionStatusRunning
			tl.StartedAt = &ts
		case schema.EventExecutionCompleted:
			tl.Status = schema.ExecutionStatusCompleted
			tl.EndedAt = &ts
		case schema.EventExecutionFailed:
			tl.Status = schema.ExecutionStatusFailed
			tl.EndedAt = &ts
		case schema.EventExecutionCancelled:
			tl.Status = schema.ExecutionStatusCancelled
			tl.EndedAt = &ts
		case schema.EventStepCompleted:
			tl.Steps = append(tl.Steps, StepOutcome{StepID: e.StepID, Status: schema.StepStatusCompleted, At: ts, Payload: e.Payload})
		case schema.EventStepFailed:
			tl.Steps = append(tl.Steps, StepOutcome{StepID: e.StepID, Status: schema.StepStatusFailed, At: ts, Payload: e.Payload})
		}
	}
	return tl, nil
}
