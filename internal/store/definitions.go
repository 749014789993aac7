package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/advisor/pkg/schema"
)

// SaveWorkflow inserts or replaces a definition together with its steps.
func (s *SQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	version := def.Version
	if version <= 0 {
		version = 1
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO workflows (id, name, description, service_type, category, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		   service_type=excluded.service_type, category=excluded.category,
		   version=excluded.version, updated_at=excluded.updated_at`),
		def.ID, nullStr(def.Name), nullStr(def.Description), nullStr(def.ServiceType), nullStr(def.Category),
		version, now, now,
	); err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM workflow_steps WHERE workflow_id = ?`), def.ID); err != nil {
		return fmt.Errorf("clear workflow steps: %w", err)
	}
	for i, step := range def.Steps {
		order := step.Order
		if order == 0 {
			order = i + 1
		}
		if _, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO workflow_steps (workflow_id, id, step_order, kind, name, description, config, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			def.ID, step.ID, order, string(step.Kind), nullStr(step.Name), nullStr(step.Description),
			nullRaw(step.Config), boolInt(step.IsActive()),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", step.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the definition with all of its steps, active or not,
// in step order.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := scanWorkflow(s.queryRow(ctx,
		`SELECT id, name, description, service_type, category, version FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	steps, err := s.listSteps(ctx, id, false)
	if err != nil {
		return nil, err
	}
	def.Steps = steps
	return def, nil
}

// ListActiveSteps returns the active steps of a workflow in ascending order.
func (s *SQLStore) ListActiveSteps(ctx context.Context, workflowID string) ([]schema.StepDefinition, error) {
	return s.listSteps(ctx, workflowID, true)
}

func (s *SQLStore) listSteps(ctx context.Context, workflowID string, activeOnly bool) ([]schema.StepDefinition, error) {
	query := `SELECT id, step_order, kind, name, description, config, is_active FROM workflow_steps WHERE workflow_id = ?`
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY step_order, id"

	rows, err := s.query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.StepDefinition
	for rows.Next() {
		var (
			step            schema.StepDefinition
			kind            string
			name, desc, cfg sql.NullString
			active          int
		)
		if err := rows.Scan(&step.ID, &step.Order, &kind, &name, &desc, &cfg, &active); err != nil {
			return nil, err
		}
		step.Kind = schema.StepKind(kind)
		step.Name = name.String
		step.Description = desc.String
		step.Config = rawOrNil(cfg)
		if active == 0 {
			step.Active = schema.Bool(false)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListWorkflows returns stored definitions with their steps.
func (s *SQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.ServiceType != "" {
		where = append(where, "service_type = ?")
		args = append(args, filter.ServiceType)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	query := "SELECT id, name, description, service_type, category, version FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Steps are loaded after the cursor is released; the libSQL store has a
	// single connection.
	for _, def := range defs {
		steps, err := s.listSteps(ctx, def.ID, false)
		if err != nil {
			return nil, err
		}
		def.Steps = steps
	}
	return defs, nil
}

// DeleteWorkflow removes a definition and its steps.
func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var name, desc, serviceType, category sql.NullString
	if err := row.Scan(&def.ID, &name, &desc, &serviceType, &category, &def.Version); err != nil {
		return nil, err
	}
	def.Name = name.String
	def.Description = desc.String
	def.ServiceType = serviceType.String
	def.Category = category.String
	return def, nil
}
