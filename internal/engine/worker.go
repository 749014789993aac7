package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/advisor/pkg/schema"
)

// PoolMetrics tracks background run counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunFunc executes a single workflow run. Satisfied by (*Runner).Run.
type RunFunc func(ctx context.Context, req RunRequest) (*RunResult, error)

// ResultFunc receives the outcome of a background run.
type ResultFunc func(req RunRequest, res *RunResult, err error)

// RunPool runs workflows in the background with bounded concurrency. Used by
// the scheduler and by asynchronous MCP runs.
type RunPool struct {
	run     RunFunc
	logger  *slog.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewRunPool creates a pool that runs at most size workflows at once.
func NewRunPool(run RunFunc, size int, logger *slog.Logger) *RunPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunPool{
		run:    run,
		logger: logger,
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
	}
}

// Starter splits a run into a synchronous preflight and a background
// execution. Satisfied by *Runner.
type Starter interface {
	Prepare(ctx context.Context, req RunRequest) (*PreparedRun, *RunResult, error)
	Execute(ctx context.Context, prepared *PreparedRun) *RunResult
}

// Submit starts req in the background and returns its execution id. It
// blocks while the pool is full and gives up when ctx is done. The run itself
// is detached from ctx. onResult may be nil.
func (p *RunPool) Submit(ctx context.Context, req RunRequest, onResult ResultFunc) (string, error) {
	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	p.launch(ctx, req, func(runCtx context.Context) (*RunResult, error) {
		return p.run(runCtx, req)
	}, onResult)
	return req.ExecutionID, nil
}

// Start prepares req synchronously through s and executes it in the
// background. Rejections and record failures are returned to the caller and
// nothing is queued; otherwise the returned result carries the execution id
// of a record that already exists. onResult may be nil.
func (p *RunPool) Start(ctx context.Context, s Starter, req RunRequest, onResult ResultFunc) (*RunResult, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	prepared, rejected, err := s.Prepare(ctx, req)
	if prepared == nil {
		p.release()
		return rejected, err
	}
	p.launch(ctx, prepared.Request, func(runCtx context.Context) (*RunResult, error) {
		return s.Execute(runCtx, prepared), nil
	}, onResult)
	return &RunResult{ExecutionID: prepared.ExecutionID}, nil
}

// acquire reserves a run slot.
func (p *RunPool) acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()
	return nil
}

// release returns a slot that never ran anything.
func (p *RunPool) release() {
	atomic.AddInt64(&p.metrics.Active, -1)
	<-p.sem
	p.wg.Done()
}

func (p *RunPool) launch(ctx context.Context, req RunRequest, job func(context.Context) (*RunResult, error), onResult ResultFunc) {
	runCtx := context.WithoutCancel(ctx)

	go func() {
		var (
			res *RunResult
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				err = schema.NewError(schema.ErrCodeHandlerPanic, fmt.Sprintf("run panicked: %v", r))
				res = nil
				p.logger.Error("background run panicked",
					slog.String("execution_id", req.ExecutionID),
					slog.Any("panic", r),
				)
			}
			if err != nil || res == nil || !res.Success {
				atomic.AddInt64(&p.metrics.Failed, 1)
			} else {
				atomic.AddInt64(&p.metrics.Completed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			if onResult != nil {
				onResult(req, res, err)
			}
			p.wg.Done()
		}()

		res, err = job(runCtx)
	}()
}

// Wait blocks until all submitted runs finish.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting runs and waits for the active ones.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
