package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/advisor/pkg/schema"
)

const scheduledRunColumns = `id, workflow_id, cron_expression, practice_id, client_id, client_name, input, executed_by,
	enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func (s *SQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	if run.ID == "" || run.WorkflowID == "" || run.CronExpression == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled run requires id, workflow_id and cron_expression")
	}
	input, err := marshalJSON(run.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO scheduled_runs (`+scheduledRunColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.CronExpression, run.PracticeID, nullStr(run.ClientID), nullStr(run.ClientName),
		input, nullStr(run.ExecutedBy), boolInt(run.Enabled), nullTime(run.LastRunAt), nullTime(run.NextRunAt),
		nullStr(run.LastRunStatus), nullStr(run.LastExecutionID), run.CreatedAt,
	)
	return err
}

func (s *SQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	run, err := scanScheduledRun(s.queryRow(ctx,
		`SELECT `+scheduledRunColumns+` FROM scheduled_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, nullStr(*update.LastRunStatus))
	}
	if update.LastExecutionID != nil {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, nullStr(*update.LastExecutionID))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *SQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := "SELECT " + scheduledRunColumns + " FROM scheduled_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func scanScheduledRun(row rowScanner) (*ScheduledRun, error) {
	r := &ScheduledRun{}
	var (
		clientID, clientName, executedBy sql.NullString
		inputJSON                        sql.NullString
		lastStatus, lastExecution        sql.NullString
		lastRun, nextRun                 sql.NullTime
		enabled                          int
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.CronExpression, &r.PracticeID, &clientID, &clientName, &inputJSON,
		&executedBy, &enabled, &lastRun, &nextRun, &lastStatus, &lastExecution, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ClientID = clientID.String
	r.ClientName = clientName.String
	r.ExecutedBy = executedBy.String
	r.Enabled = enabled != 0
	r.LastRunAt = nullTimePtr(lastRun)
	r.NextRunAt = nullTimePtr(nextRun)
	r.LastRunStatus = lastStatus.String
	r.LastExecutionID = lastExecution.String
	input, err := unmarshalMap(inputJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal schedule input: %w", err)
	}
	r.Input = input
	return r, nil
}
