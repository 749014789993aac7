package engine

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/advisor/internal/expressions"
	"github.com/rendis/advisor/internal/logging"
	"github.com/rendis/advisor/internal/steps"
	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/pkg/schema"
)

const tracerName = "github.com/rendis/advisor/internal/engine"

// Engine is the execution surface exposed to MCP tools and the CLI.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, req RunRequest) (*RunResult, error)
	CancelExecution(ctx context.Context, executionID string) (bool, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*ExecutionStatus, error)
}

// StepDispatcher runs a single step. Satisfied by *steps.Executor.
type StepDispatcher interface {
	Dispatch(ctx context.Context, step schema.StepDefinition, ec *expressions.ExecutionContext) steps.StepResult
}

// RunRequest starts one execution of a stored workflow.
type RunRequest struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	PracticeID string         `json:"practice_id" validate:"required"`
	ClientID   string         `json:"client_id,omitempty"`
	ClientName string         `json:"client_name,omitempty"`
	InputData  map[string]any `json:"input_data,omitempty"`
	ExecutedBy string         `json:"executed_by,omitempty" validate:"omitempty,max=256"`
	// ExecutionID pre-assigns the execution id; empty means generate one.
	ExecutionID string `json:"execution_id,omitempty" validate:"omitempty,uuid"`
}

// RunResult is the structured outcome of a run. It is always returned, even
// when the run fails.
type RunResult struct {
	Success     bool                 `json:"success"`
	ExecutionID string               `json:"execution_id,omitempty"`
	Output      map[string]any       `json:"output,omitempty"`
	Error       *schema.AdvisorError `json:"error,omitempty"`
}

// ExecutionStatus is an execution with its step audit rows in attempt order.
type ExecutionStatus struct {
	Execution *store.Execution       `json:"execution"`
	Steps     []*store.StepExecution `json:"steps"`
}

// Config wires a Runner.
type Config struct {
	Definitions store.DefinitionSource
	Recorder    store.ExecutionRecorder
	Events      EventAppender // nil disables the event log
	Steps       StepDispatcher
	Logger      *slog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

// Runner executes workflows step by step against the persistence contracts.
type Runner struct {
	defs     store.DefinitionSource
	recorder store.ExecutionRecorder
	steps    StepDispatcher
	fsm      *ExecutionFSM
	stepFSM  *StepFSM
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

var (
	_ Engine  = (*Runner)(nil)
	_ Starter = (*Runner)(nil)
)

// NewRunner creates a Runner from cfg.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Definitions == nil || cfg.Recorder == nil || cfg.Steps == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires definitions, recorder and steps")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	r := &Runner{
		defs:     cfg.Definitions,
		recorder: cfg.Recorder,
		steps:    cfg.Steps,
		fsm:      NewExecutionFSM(cfg.Events),
		stepFSM:  NewStepFSM(cfg.Events),
		validate: validate,
		tracer:   tp.Tracer(tracerName),
		logger:   logger,
		now:      now,
	}
	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled,
	} {
		r.fsm.OnAfter(schema.ExecutionStatusRunning, to, r.logFinished)
	}
	return r, nil
}

func (r *Runner) ExecuteWorkflow(ctx context.Context, req RunRequest) (*RunResult, error) {
	return r.Run(ctx, req)
}

func (r *Runner) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	return r.Cancel(ctx, executionID)
}

func (r *Runner) GetExecutionStatus(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	return r.Status(ctx, executionID)
}

// runState is the mutable state of one execution.
type runState struct {
	id         string
	practiceID string
	started    time.Time
	steps      []schema.StepDefinition
	ec         *expressions.ExecutionContext
	tokens     int
	cost       float64
	log        *slog.Logger
	writeCtx   context.Context
}

// PreparedRun is an execution whose record exists but whose steps have not
// started. It is produced by Prepare and consumed once by Execute.
type PreparedRun struct {
	ExecutionID string
	Request     RunRequest
	state       *runState
}

// Run executes the workflow named by req. The error is non-nil only when the
// execution record itself cannot be created; every other outcome, including
// step failures and cancellation, is reported through the RunResult.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if verr := r.validateRequest(req); verr != nil {
		return &RunResult{Error: verr}, nil
	}

	ctx, span := r.startSpan(ctx, "advisor.run", req)
	defer span.End()

	run, rejected, err := r.prepare(ctx, req)
	if run == nil {
		setSpanError(span, rejectionOf(rejected, err))
		return rejected, err
	}
	span.SetAttributes(attribute.String("advisor.execution.id", run.id))

	res := r.execute(r.bind(ctx, run), run)
	if res.Error != nil {
		setSpanError(span, res.Error)
	}
	return res, nil
}

// Prepare performs the synchronous half of Run: request validation,
// definition resolution and creation of the running execution record. A nil
// PreparedRun means the request was rejected; the RunResult says why and no
// record exists. The error is non-nil only when the record cannot be created.
func (r *Runner) Prepare(ctx context.Context, req RunRequest) (*PreparedRun, *RunResult, error) {
	if verr := r.validateRequest(req); verr != nil {
		return nil, &RunResult{Error: verr}, nil
	}

	ctx, span := r.startSpan(ctx, "advisor.prepare", req)
	defer span.End()

	run, rejected, err := r.prepare(ctx, req)
	if run == nil {
		setSpanError(span, rejectionOf(rejected, err))
		return nil, rejected, err
	}
	span.SetAttributes(attribute.String("advisor.execution.id", run.id))

	req.ExecutionID = run.id
	return &PreparedRun{ExecutionID: run.id, Request: req, state: run}, nil, nil
}

// Execute runs the steps of a prepared run. A cancellation recorded between
// Prepare and Execute stops the run before its first step.
func (r *Runner) Execute(ctx context.Context, prepared *PreparedRun) *RunResult {
	ctx, span := r.startSpan(ctx, "advisor.run", prepared.Request)
	defer span.End()
	span.SetAttributes(attribute.String("advisor.execution.id", prepared.ExecutionID))

	run := prepared.state
	res := r.execute(r.bind(ctx, run), run)
	if res.Error != nil {
		setSpanError(span, res.Error)
	}
	return res
}

func (r *Runner) startSpan(ctx context.Context, name string, req RunRequest) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("advisor.workflow.id", req.WorkflowID),
		attribute.String("advisor.practice.id", req.PracticeID),
	))
}

// prepare resolves the definition and creates the execution record. A nil
// runState carries either a rejection result or a record creation error.
func (r *Runner) prepare(ctx context.Context, req RunRequest) (*runState, *RunResult, error) {
	active, derr := r.loadSteps(ctx, req.WorkflowID)
	if derr != nil {
		return nil, &RunResult{Error: derr}, nil
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}
	started := r.now()
	exec := &store.Execution{
		ID:         execID,
		WorkflowID: req.WorkflowID,
		PracticeID: req.PracticeID,
		ClientID:   req.ClientID,
		ClientName: req.ClientName,
		Status:     schema.ExecutionStatusRunning,
		Progress:   0,
		Input:      req.InputData,
		ExecutedBy: req.ExecutedBy,
		StartedAt:  started,
	}
	if err := r.recorder.CreateExecution(ctx, exec); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	run := &runState{
		id:         execID,
		practiceID: req.PracticeID,
		started:    started,
		steps:      active,
		ec: expressions.NewExecutionContext(execID, req.WorkflowID, req.InputData, expressions.ClientInfo{
			PracticeID: req.PracticeID,
			ClientID:   req.ClientID,
			ClientName: req.ClientName,
		}),
	}
	r.bind(ctx, run)
	r.transition(run, schema.ExecutionStatusPending, schema.ExecutionStatusRunning, map[string]any{
		"workflow_id": req.WorkflowID,
		"steps":       len(active),
	})
	run.log.Info("execution started", slog.String("workflow_id", req.WorkflowID), slog.Int("steps", len(active)))
	return run, nil, nil
}

// bind attaches run's correlation ids to ctx and derives the detached context
// used for persistence writes.
func (r *Runner) bind(ctx context.Context, run *runState) context.Context {
	ctx = logging.WithIDs(ctx, run.id, run.practiceID)
	run.log = logging.LogWith(ctx, r.logger)
	run.writeCtx = context.WithoutCancel(ctx)
	return ctx
}

func rejectionOf(res *RunResult, err error) *schema.AdvisorError {
	if err != nil {
		return schema.AsAdvisorError(err, schema.ErrCodeStore)
	}
	return res.Error
}

func (r *Runner) execute(ctx context.Context, run *runState) *RunResult {
	total := len(run.steps)
	for i, step := range run.steps {
		if r.isCancelled(ctx, run) {
			return r.stopCancelled(run, ctx.Err() != nil)
		}

		progress := i * 100 / total
		stepID := step.ID
		err := r.recorder.UpdateExecution(run.writeCtx, run.id, store.ExecutionUpdate{
			ExpectStatus:  statusPtr(schema.ExecutionStatusRunning),
			Progress:      &progress,
			CurrentStepID: &stepID,
		})
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return r.stopCancelled(run, false)
		}
		if err != nil {
			run.log.Warn("progress update failed", slog.String("step_id", step.ID), slog.String("error", err.Error()))
		}

		res, serr := r.runStep(ctx, run, i+1, step)
		if serr != nil {
			return r.fail(run, serr)
		}
		if !res.Success {
			return r.fail(run, res.Error)
		}
		if err := run.ec.SetStepOutput(step.ID, i+1, res.Output); err != nil {
			return r.fail(run, schema.AsAdvisorError(err, schema.ErrCodeInvalidDefinition).WithStep(step.ID))
		}
	}
	return r.complete(run)
}

// runStep dispatches one step and appends its audit row. The returned error
// is set only when the row could not be written.
func (r *Runner) runStep(ctx context.Context, run *runState, position int, step schema.StepDefinition) (steps.StepResult, *schema.AdvisorError) {
	ctx, span := r.tracer.Start(ctx, "advisor.step", trace.WithAttributes(
		attribute.String("advisor.step.id", step.ID),
		attribute.String("advisor.step.kind", string(step.Kind)),
		attribute.Int("advisor.step.position", position),
	))
	defer span.End()

	snapshot := run.ec.Chain().Flatten()
	start := r.now()
	// In-flight steps are not aborted by cancellation.
	res := r.steps.Dispatch(context.WithoutCancel(ctx), step, run.ec)
	end := r.now()
	if !res.Success && res.Error == nil {
		res.Error = schema.NewError(schema.ErrCodeEvaluation, "step failed without an error").WithStep(step.ID)
	}

	rec := &store.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: run.id,
		StepID:      step.ID,
		StepKind:    step.Kind,
		StepOrder:   position,
		Input:       snapshot,
		StartedAt:   start,
		CompletedAt: end,
		DurationMs:  end.Sub(start).Milliseconds(),
	}
	if res.Success {
		rec.Status = schema.StepStatusCompleted
		rec.Output = res.Output
	} else {
		rec.Status = schema.StepStatusFailed
		rec.ErrorCode = res.Error.Code
		rec.ErrorMessage = res.Error.Message
		setSpanError(span, res.Error)
	}
	if u := res.Usage; u != nil {
		rec.Provider = u.Provider
		rec.Model = u.Model
		rec.PromptTokens = u.PromptTokens
		rec.CompletionTokens = u.CompletionTokens
		rec.TotalTokens = u.TotalTokens
		rec.CostUSD = u.CostUSD
		run.tokens += u.TotalTokens
		run.cost += u.CostUSD
		span.SetAttributes(
			attribute.String("advisor.llm.model", u.Model),
			attribute.Int("advisor.llm.total_tokens", u.TotalTokens),
			attribute.Float64("advisor.llm.cost_usd", u.CostUSD),
		)
	}

	if err := r.recorder.CreateStepExecution(run.writeCtx, rec); err != nil {
		serr := schema.NewErrorf(schema.ErrCodeStore, "record step execution: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
		setSpanError(span, serr)
		return res, serr
	}

	var payload map[string]any
	if res.Success {
		payload = map[string]any{"position": position, "duration_ms": rec.DurationMs}
	} else {
		payload = map[string]any{"position": position, "code": res.Error.Code, "message": res.Error.Message}
	}
	if err := r.stepFSM.Transition(run.writeCtx, run.id, step.ID, schema.StepStatusRunning, rec.Status, payload); err != nil {
		run.log.Warn("step event not recorded", slog.String("step_id", step.ID), slog.String("error", err.Error()))
	}

	run.log.Debug("step finished",
		slog.String("step_id", step.ID),
		slog.String("status", string(rec.Status)),
		slog.Int64("duration_ms", rec.DurationMs),
	)
	return res, nil
}

func (r *Runner) fail(run *runState, aerr *schema.AdvisorError) *RunResult {
	end := r.now()
	duration := end.Sub(run.started).Milliseconds()
	msg := aerr.Message
	err := r.recorder.UpdateExecution(run.writeCtx, run.id, store.ExecutionUpdate{
		ExpectStatus: statusPtr(schema.ExecutionStatusRunning),
		Status:       statusPtr(schema.ExecutionStatusFailed),
		ErrorMessage: &msg,
		CompletedAt:  &end,
		DurationMs:   &duration,
		TotalTokens:  &run.tokens,
		TotalCostUSD: &run.cost,
	})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		return r.stopCancelled(run, false)
	}
	if err != nil {
		run.log.Error("failed to persist execution failure", slog.String("error", err.Error()))
	}

	r.transition(run, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, map[string]any{
		"code":    aerr.Code,
		"message": aerr.Message,
		"step_id": aerr.StepID,
	})
	return &RunResult{Success: false, ExecutionID: run.id, Error: aerr}
}

func (r *Runner) complete(run *runState) *RunResult {
	end := r.now()
	duration := end.Sub(run.started).Milliseconds()
	progress := 100
	output := run.ec.StepOutputs()
	err := r.recorder.UpdateExecution(run.writeCtx, run.id, store.ExecutionUpdate{
		ExpectStatus: statusPtr(schema.ExecutionStatusRunning),
		Status:       statusPtr(schema.ExecutionStatusCompleted),
		Progress:     &progress,
		Output:       output,
		CompletedAt:  &end,
		DurationMs:   &duration,
		TotalTokens:  &run.tokens,
		TotalCostUSD: &run.cost,
	})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		return r.stopCancelled(run, false)
	}
	if err != nil {
		// The run succeeded; the result is still returned to the caller.
		run.log.Error("failed to persist execution completion", slog.String("error", err.Error()))
	}

	r.transition(run, schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, map[string]any{
		"total_tokens":   run.tokens,
		"total_cost_usd": run.cost,
	})
	return &RunResult{Success: true, ExecutionID: run.id, Output: output}
}

// stopCancelled ends a run that was cancelled. When the cancellation came
// from the caller's context the persisted status is moved here; otherwise it
// was already written by Cancel and is left as it is.
func (r *Runner) stopCancelled(run *runState, fromContext bool) *RunResult {
	end := r.now()
	if fromContext {
		ok, err := r.recorder.CancelExecution(run.writeCtx, run.id, end)
		if err != nil {
			run.log.Error("failed to persist cancellation", slog.String("error", err.Error()))
		}
		if ok {
			r.transition(run, schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, map[string]any{"reason": "context"})
		}
	}

	duration := end.Sub(run.started).Milliseconds()
	if err := r.recorder.UpdateExecution(run.writeCtx, run.id, store.ExecutionUpdate{
		ExpectStatus: statusPtr(schema.ExecutionStatusCancelled),
		DurationMs:   &duration,
		TotalTokens:  &run.tokens,
		TotalCostUSD: &run.cost,
	}); err != nil {
		run.log.Warn("failed to persist cancelled totals", slog.String("error", err.Error()))
	}

	return &RunResult{
		Success:     false,
		ExecutionID: run.id,
		Error: schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
			WithDetails(map[string]any{"execution_id": run.id}),
	}
}

// isCancelled checks the caller's context and the persisted status. A status
// read failure is logged and treated as not cancelled.
func (r *Runner) isCancelled(ctx context.Context, run *runState) bool {
	if ctx.Err() != nil {
		return true
	}
	exec, err := r.recorder.GetExecution(run.writeCtx, run.id)
	if err != nil {
		run.log.Warn("status check failed", slog.String("error", err.Error()))
		return false
	}
	return exec.Status == schema.ExecutionStatusCancelled
}

func (r *Runner) transition(run *runState, from, to schema.ExecutionStatus, payload map[string]any) {
	if err := r.fsm.Transition(run.writeCtx, run.id, from, to, payload); err != nil {
		run.log.Warn("execution event not recorded",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) logFinished(ctx context.Context, executionID string, _, to schema.ExecutionStatus) error {
	logging.LogWith(ctx, r.logger).Info("execution finished",
		slog.String("execution_id", executionID),
		slog.String("status", string(to)),
	)
	return nil
}

// Cancel marks a pending or running execution as cancelled. It reports false
// for unknown and terminal executions and leaves them unchanged.
func (r *Runner) Cancel(ctx context.Context, executionID string) (bool, error) {
	exec, err := r.recorder.GetExecution(ctx, executionID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("get execution", err)
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}

	ok, err := r.recorder.CancelExecution(ctx, executionID, r.now())
	if err != nil {
		return false, storeError("cancel execution", err)
	}
	if ok {
		ctx = logging.WithIDs(ctx, executionID, exec.PracticeID)
		if terr := r.fsm.Transition(ctx, executionID, exec.Status, schema.ExecutionStatusCancelled,
			map[string]any{"reason": "requested"}); terr != nil {
			logging.LogWith(ctx, r.logger).Warn("execution event not recorded", slog.String("error", terr.Error()))
		}
	}
	return ok, nil
}

// Status returns the execution and its step rows in attempt order.
func (r *Runner) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := r.recorder.GetExecution(ctx, executionID)
	if err != nil {
		return nil, storeError("get execution", err)
	}
	rows, err := r.recorder.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, storeError("list step executions", err)
	}
	if rows == nil {
		rows = []*store.StepExecution{}
	}
	return &ExecutionStatus{Execution: exec, Steps: rows}, nil
}

func (r *Runner) validateRequest(req RunRequest) *schema.AdvisorError {
	err := r.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	var result schema.ValidationResult
	for _, fe := range fieldErrs {
		result.AddError(fe.Field(), schema.ErrCodeValidation, describeFieldError(fe))
	}
	return schema.AsAdvisorError(result.ToError(schema.ErrCodeValidation), schema.ErrCodeValidation)
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "uuid":
		return fe.Field() + " must be a UUID"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	default:
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
}

// loadSteps resolves the active steps of a workflow in execution order.
func (r *Runner) loadSteps(ctx context.Context, workflowID string) ([]schema.StepDefinition, *schema.AdvisorError) {
	if _, err := r.defs.GetWorkflow(ctx, workflowID); err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewError(schema.ErrCodeDefinitionNotFound, "Workflow not found").
				WithDetails(map[string]any{"workflow_id": workflowID})
		}
		return nil, storeError("get workflow", err)
	}

	active, err := r.defs.ListActiveSteps(ctx, workflowID)
	if err != nil {
		return nil, storeError("list active steps", err)
	}
	if len(active) == 0 {
		return nil, schema.NewError(schema.ErrCodeNoActiveSteps, "No active steps found for workflow").
			WithDetails(map[string]any{"workflow_id": workflowID})
	}

	seen := make(map[string]bool, len(active))
	for _, s := range active {
		if s.ID == "" {
			return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "step id is required").
				WithDetails(map[string]any{"workflow_id": workflowID})
		}
		if seen[s.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "duplicate step id %q", s.ID).
				WithStep(s.ID).
				WithDetails(map[string]any{"workflow_id": workflowID})
		}
		seen[s.ID] = true
	}

	ordered := append([]schema.StepDefinition(nil), active...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	return ordered, nil
}

func storeError(op string, err error) *schema.AdvisorError {
	var ae *schema.AdvisorError
	if errors.As(err, &ae) {
		return ae
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func statusPtr(s schema.ExecutionStatus) *schema.ExecutionStatus { return &s }

func setSpanError(span trace.Span, err *schema.AdvisorError) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)
	span.SetAttributes(attribute.String("advisor.error.code", err.Code))
}
