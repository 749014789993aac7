package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/advisor/internal/engine"
	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due runs.
const DefaultInterval = 60 * time.Second

// Last-run statuses written back to a ScheduledRun.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// WorkflowRunner starts a workflow execution. Satisfied by *engine.Runner.
type WorkflowRunner interface {
	Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
}

// Options tunes a Scheduler. Zero values select the defaults.
type Options struct {
	Interval time.Duration
	Now      func() time.Time
}

// Scheduler polls the store for due scheduled runs and executes them.
type Scheduler struct {
	store    store.ScheduleStore
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule ids currently executing
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.ScheduleStore, runner WorkflowRunner, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: opts.Interval,
		now:      opts.Now,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(run.ID) {
			continue
		}
		if err := s.execute(ctx, run, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(run.ID)
	}
}

// execute runs one schedule and records the outcome and next fire time.
func (s *Scheduler) execute(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("running scheduled workflow",
		slog.String("schedule_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
	)

	res, err := s.runner.Run(ctx, engine.RunRequest{
		WorkflowID: run.WorkflowID,
		PracticeID: run.PracticeID,
		ClientID:   run.ClientID,
		ClientName: run.ClientName,
		InputData:  run.Input,
		ExecutedBy: executedBy(run),
	})

	status := outcome(res, err)
	var executionID string
	if res != nil {
		executionID = res.ExecutionID
	}
	if status != StatusCompleted {
		attrs := []any{slog.String("schedule_id", run.ID), slog.String("status", status)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		} else if res != nil && res.Error != nil {
			attrs = append(attrs, slog.String("code", res.Error.Code), slog.String("error", res.Error.Message))
		}
		s.logger.Warn("scheduled workflow did not complete", attrs...)
	}

	return s.record(ctx, run, now, status, executionID)
}

func outcome(res *engine.RunResult, err error) string {
	switch {
	case err != nil || res == nil:
		return StatusError
	case res.Success:
		return StatusCompleted
	case res.Error != nil && res.Error.Code == schema.ErrCodeCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func executedBy(run *store.ScheduledRun) string {
	if run.ExecutedBy != "" {
		return run.ExecutedBy
	}
	return "scheduler:" + run.ID
}

func (s *Scheduler) record(ctx context.Context, run *store.ScheduledRun, now time.Time, status, executionID string) error {
	next, err := s.NextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", run.ID, err)
	}
	update := store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: &status,
	}
	if executionID != "" {
		update.LastExecutionID = &executionID
	}
	return s.store.UpdateScheduledRun(ctx, run.ID, update)
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Schedule validates and stores a new scheduled run. The id is generated
// when empty and the first fire time is computed from the cron expression.
func (s *Scheduler) Schedule(ctx context.Context, run *store.ScheduledRun) error {
	if run.WorkflowID == "" || run.PracticeID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled run requires workflow_id and practice_id")
	}
	next, err := s.NextRun(run.CronExpression, s.now())
	if err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.NextRunAt = &next
	return s.store.CreateScheduledRun(ctx, run)
}

// Stop shuts the loop down and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled schedule whose next fire time has
// already passed.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(run.ID) {
			continue
		}
		err := s.execute(ctx, run, now)
		s.release(run.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", run.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
