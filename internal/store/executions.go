package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/advisor/pkg/schema"
)

const executionColumns = `id, workflow_id, practice_id, client_id, client_name, status, progress, current_step_id,
	input, output, error_message, executed_by, total_tokens, total_cost_usd,
	started_at, completed_at, duration_ms, created_at, updated_at`

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := marshalJSON(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalJSON(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	now := time.Now().UTC()
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = now
	_, err = s.exec(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.PracticeID, nullStr(exec.ClientID), nullStr(exec.ClientName),
		string(exec.Status), exec.Progress, nullStr(exec.CurrentStepID),
		input, output, nullStr(exec.ErrorMessage), nullStr(exec.ExecutedBy), exec.TotalTokens, exec.TotalCostUSD,
		exec.StartedAt, nullTime(exec.CompletedAt), nullInt64(exec.DurationMs), exec.CreatedAt, exec.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.queryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// UpdateExecution applies a partial update. With ExpectStatus set, a row whose
// status has moved on is left alone and CONFLICT is returned.
func (s *SQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.CurrentStepID != nil {
		sets = append(sets, "current_step_id = ?")
		args = append(args, nullStr(*update.CurrentStepID))
	}
	if update.Output != nil {
		output, err := marshalJSON(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, output)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.TotalTokens != nil {
		sets = append(sets, "total_tokens = ?")
		args = append(args, *update.TotalTokens)
	}
	if update.TotalCostUSD != nil {
		sets = append(sets, "total_cost_usd = ?")
		args = append(args, *update.TotalCostUSD)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if update.ExpectStatus == nil {
		return storeNotFound("execution", id)
	}
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q is %s, expected %s", id, current.Status, *update.ExpectStatus).
		WithDetails(map[string]any{"status": string(current.Status)})
}

func (s *SQLStore) CancelExecution(ctx context.Context, id string, at time.Time) (bool, error) {
	at = timeOrNow(at)
	res, err := s.exec(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(schema.ExecutionStatusCancelled), at, at, id,
		string(schema.ExecutionStatusPending), string(schema.ExecutionStatusRunning),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.PracticeID != "" {
		where = append(where, "practice_id = ?")
		args = append(args, filter.PracticeID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		clientID, clientName, currentStep sql.NullString
		inputJSON, outputJSON             sql.NullString
		errMsg, executedBy                sql.NullString
		status                            string
		completedAt                       sql.NullTime
		duration                          sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.PracticeID, &clientID, &clientName, &status, &e.Progress, &currentStep,
		&inputJSON, &outputJSON, &errMsg, &executedBy, &e.TotalTokens, &e.TotalCostUSD,
		&e.StartedAt, &completedAt, &duration, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ClientID = clientID.String
	e.ClientName = clientName.String
	e.Status = schema.ExecutionStatus(status)
	e.CurrentStepID = currentStep.String
	e.ErrorMessage = errMsg.String
	e.ExecutedBy = executedBy.String
	e.CompletedAt = nullTimePtr(completedAt)
	if duration.Valid {
		d := duration.Int64
		e.DurationMs = &d
	}
	var err error
	if e.Input, err = unmarshalMap(inputJSON); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if e.Output, err = unmarshalMap(outputJSON); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return e, nil
}

// --- Step executions ---

const stepExecutionColumns = `id, execution_id, step_id, step_kind, step_order, status, input, output,
	error_code, error_message, provider, model, prompt_tokens, completion_tokens, total_tokens, cost_usd,
	started_at, completed_at, duration_ms`

// CreateStepExecution appends an audit row. Rows keep their attempt order.
func (s *SQLStore) CreateStepExecution(ctx context.Context, step *StepExecution) error {
	input, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	output, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	step.StartedAt = timeOrNow(step.StartedAt)
	step.CompletedAt = timeOrNow(step.CompletedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM step_executions WHERE execution_id = ?`), step.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next step sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO step_executions (`+stepExecutionColumns+`, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		step.ID, step.ExecutionID, step.StepID, string(step.StepKind), step.StepOrder, string(step.Status),
		input, output, nullStr(step.ErrorCode), nullStr(step.ErrorMessage), nullStr(step.Provider), nullStr(step.Model),
		step.PromptTokens, step.CompletionTokens, step.TotalTokens, step.CostUSD,
		step.StartedAt, step.CompletedAt, step.DurationMs, seq,
	); err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return tx.Commit()
}

// ListStepExecutions returns the audit rows of an execution in attempt order.
func (s *SQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.query(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		st := &StepExecution{}
		var (
			kind, status                     string
			inputJSON, outputJSON            sql.NullString
			errCode, errMsg, provider, model sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.StepID, &kind, &st.StepOrder, &status, &inputJSON, &outputJSON,
			&errCode, &errMsg, &provider, &model, &st.PromptTokens, &st.CompletionTokens, &st.TotalTokens, &st.CostUSD,
			&st.StartedAt, &st.CompletedAt, &st.DurationMs); err != nil {
			return nil, err
		}
		st.StepKind = schema.StepKind(kind)
		st.Status = schema.StepExecutionStatus(status)
		st.ErrorCode = errCode.String
		st.ErrorMessage = errMsg.String
		st.Provider = provider.String
		st.Model = model.String
		if st.Input, err = unmarshalMap(inputJSON); err != nil {
			return nil, fmt.Errorf("unmarshal step input: %w", err)
		}
		if st.Output, err = unmarshalAny(outputJSON); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
