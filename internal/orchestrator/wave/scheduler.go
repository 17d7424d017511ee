// Package wave runs ordered batches of independent tasks.
//
// Waves run strictly in order. The tasks of one wave are split into chunks
// of at most MaxParallel tasks. A chunk runs concurrently and fully settles
// before the next chunk starts. Each task is raced against a per-task
// timeout and isolated from its siblings: a failure or panic in one task
// never cancels the others.
package wave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/buildpilot/internal/config"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
)

// Config holds scheduler settings.
type Config struct {
	// MaxParallel is the chunk size. Values below 1 are treated as 1.
	MaxParallel int

	// TaskTimeout bounds one task. Zero disables the per-task timer.
	TaskTimeout time.Duration

	// ContinueOnNonCriticalFailure keeps running later waves when only
	// non-critical tasks failed. A critical failure always stops the run.
	ContinueOnNonCriticalFailure bool
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		MaxParallel: 3,
		TaskTimeout: 15 * time.Minute,
	}
}

// FromConfig converts the scheduler config section.
func FromConfig(c config.SchedulerConfig) Config {
	return Config{
		MaxParallel:                  c.MaxParallel,
		TaskTimeout:                  c.TaskTimeout(),
		ContinueOnNonCriticalFailure: c.ContinueOnNonCriticalFailure,
	}
}

// WaveResult is the settled outcome of one wave. Results has exactly one
// entry per task, in the wave's task order.
type WaveResult struct {
	Index           int
	Success         bool
	CriticalFailure bool
	Cancelled       bool
	Results         []executor.TaskResult
	Duration        time.Duration
}

// Succeeded returns the ids of tasks that completed.
func (w WaveResult) Succeeded() []string {
	var ids []string
	for _, r := range w.Results {
		if r.Succeeded() {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}

// Failed returns the ids of tasks that did not complete, including cancelled ones.
func (w WaveResult) Failed() []string {
	var ids []string
	for _, r := range w.Results {
		if !r.Succeeded() {
			ids = append(ids, r.TaskID)
		}
	}
	return ids
}

// Metrics summarises a scheduler run.
type Metrics struct {
	TotalTasks int
	Succeeded  int
	Failed     int
	Cancelled  int
	Skipped    int // tasks of waves that never started

	WallTime time.Duration
	TaskTime time.Duration // summed task durations

	// ParallelEfficiency is TaskTime / WallTime. Values above 1 mean tasks
	// overlapped.
	ParallelEfficiency float64
}

// Result is the outcome of ExecuteWaves.
type Result struct {
	Success bool
	Waves   []WaveResult
	Metrics Metrics
	// Err explains why the run stopped early. It is nil when every wave ran.
	Err error
}

// Scheduler executes waves. A Scheduler runs one ExecuteWaves call at a time.
type Scheduler struct {
	cfg     Config
	tracker *Tracker
	events  event.Emitter
	logger  *logging.Logger
	now     func() time.Time
	after   AfterWaveFunc

	mu        sync.Mutex
	running   bool
	cancelled bool
	cancel    context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEmitter sets where wave and task events are published.
func WithEmitter(e event.Emitter) Option {
	return func(s *Scheduler) { s.events = event.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// AfterWaveFunc runs after a wave settles and before the next one starts.
// A non-nil error stops the run.
type AfterWaveFunc func(ctx context.Context, wr WaveResult) error

// WithAfterWave sets a step run after every wave that was not cancelled,
// e.g. integrating the wave's work before dependent tasks start.
func WithAfterWave(fn AfterWaveFunc) Option {
	return func(s *Scheduler) { s.after = fn }
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.tracker.now = now
	}
}

// New creates a Scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		tracker: NewTracker(),
		events:  event.Nop,
		logger:  logging.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tracker exposes the active task set of the current or last run.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Config returns the scheduler settings.
func (s *Scheduler) Config() Config { return s.cfg }

// CancelAll marks every in-flight and pending task cancelled and stops
// scheduling further chunks. Dispatched calls are not killed; their results
// are discarded.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()

	ids := s.tracker.CancelAll()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("cancelled all tasks", "count", len(ids))
}

func (s *Scheduler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// ExecuteWaves runs waves in order through runner.
func (s *Scheduler) ExecuteWaves(ctx context.Context, waves []executor.Wave, runner executor.TaskRunner) Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Result{Err: errors.NewValidationError("scheduler is already running")}
	}
	s.running = true
	s.cancelled = false
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.tracker.Reset()
	for _, w := range waves {
		for _, t := range w.Tasks {
			s.tracker.AddPending(w.Index, t.ID)
		}
	}

	start := s.now()
	res := Result{Success: true}
	for i, w := range waves {
		res.Metrics.TotalTasks += len(w.Tasks)
		if res.Err != nil {
			res.Metrics.Skipped += len(w.Tasks)
			continue
		}
		if err := s.stopReason(runCtx); err != nil {
			res.Err = err
			res.Success = false
			res.Metrics.Skipped += len(w.Tasks)
			continue
		}

		wr := s.executeWave(runCtx, w, runner)
		res.Waves = append(res.Waves, wr)
		if !wr.Success {
			res.Success = false
		}

		var afterErr error
		if s.after != nil && !wr.Cancelled {
			afterErr = s.after(runCtx, wr)
		}

		switch {
		case wr.Cancelled:
			res.Err = s.stopReason(runCtx)
			if res.Err == nil {
				res.Err = errors.ErrCancelled
			}
		case wr.CriticalFailure:
			res.Err = errors.NewBuildError("critical task failed", errors.ErrTaskFailed).WithWave(w.Index)
		case !wr.Success:
			res.Err = errors.NewBuildError("task failed", errors.ErrTaskFailed).WithWave(w.Index)
		case afterErr != nil:
			res.Success = false
			res.Err = errors.NewBuildError("post-wave step failed", afterErr).WithWave(w.Index)
		}
		if res.Err != nil && i < len(waves)-1 {
			s.logger.Warn("aborting remaining waves", "wave", w.Index, "error", res.Err)
		}
	}

	for _, wr := range res.Waves {
		for _, r := range wr.Results {
			switch r.Status {
			case executor.TaskStatusComplete:
				res.Metrics.Succeeded++
			case executor.TaskStatusCancelled:
				res.Metrics.Cancelled++
			default:
				res.Metrics.Failed++
			}
			res.Metrics.TaskTime += r.Duration
		}
	}
	res.Metrics.WallTime = s.now().Sub(start)
	if res.Metrics.WallTime > 0 {
		res.Metrics.ParallelEfficiency = float64(res.Metrics.TaskTime) / float64(res.Metrics.WallTime)
	}
	return res
}

// stopReason reports why no further work may be scheduled, or nil.
func (s *Scheduler) stopReason(ctx context.Context) error {
	if s.isCancelled() {
		return errors.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Join(errors.ErrGlobalTimeout, err)
		}
		return errors.Join(errors.ErrCancelled, err)
	}
	return nil
}

func (s *Scheduler) executeWave(ctx context.Context, w executor.Wave, runner executor.TaskRunner) WaveResult {
	logger := s.logger.WithWave(w.Index)
	start := s.now()
	s.events.Publish(event.NewWaveStartedEvent(w.Index, len(w.Tasks)))
	logger.Info("wave started", "tasks", len(w.Tasks), "max_parallel", s.cfg.MaxParallel)

	results := make([]executor.TaskResult, len(w.Tasks))
	for offset := 0; offset < len(w.Tasks); offset += s.cfg.MaxParallel {
		chunk := w.Tasks[offset:min(offset+s.cfg.MaxParallel, len(w.Tasks))]
		if s.stopReason(ctx) != nil {
			for i, task := range chunk {
				results[offset+i] = cancelledResult(task, s.now(), 0)
				s.tracker.Stop(task.ID, executor.TaskStatusCancelled)
			}
			continue
		}

		var wg conc.WaitGroup
		for i, task := range chunk {
			wg.Go(func() {
				results[offset+i] = s.runTask(ctx, w.Index, task, runner)
			})
		}
		wg.Wait()
	}

	wr := WaveResult{Index: w.Index, Success: true, Results: results, Duration: s.now().Sub(start)}
	succeeded, failed := 0, 0
	for _, r := range results {
		switch {
		case r.Succeeded():
			succeeded++
			continue
		case r.Status == executor.TaskStatusCancelled:
			wr.Cancelled = true
		case r.Critical:
			wr.CriticalFailure = true
		}
		failed++
	}
	if wr.Cancelled || wr.CriticalFailure || (failed > 0 && !s.cfg.ContinueOnNonCriticalFailure) {
		wr.Success = false
	}

	s.events.Publish(event.NewWaveCompletedEvent(w.Index, succeeded, failed, wr.Success, wr.Duration))
	logger.Info("wave completed",
		"succeeded", succeeded,
		"failed", failed,
		"success", wr.Success,
		"duration_ms", wr.Duration.Milliseconds(),
	)
	return wr
}

// runTask races one task against its timeout and the run's cancellation.
// Panics in the runner become a failed result.
func (s *Scheduler) runTask(ctx context.Context, waveIndex int, task executor.Task, runner executor.TaskRunner) executor.TaskResult {
	start := s.now()
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.tracker.Start(waveIndex, task.ID, cancel) {
		return cancelledResult(task, start, 0)
	}
	s.events.Publish(event.NewTaskStartedEvent(waveIndex, task.ID))

	done := make(chan executor.TaskResult, 1)
	go func() {
		var r executor.TaskResult
		var pc panics.Catcher
		pc.Try(func() { r = runner.RunTask(taskCtx, waveIndex, task) })
		if rec := pc.Recovered(); rec != nil {
			s.logger.Error("task panicked", "task_id", task.ID, "panic", fmt.Sprint(rec.Value), "stack", string(rec.Stack))
			r = executor.TaskResult{
				Status: executor.TaskStatusFailed,
				Error:  fmt.Sprintf("panic: %v", rec.Value),
			}
		}
		done <- r
	}()

	var timeout <-chan time.Time
	if s.cfg.TaskTimeout > 0 {
		timer := time.NewTimer(s.cfg.TaskTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var r executor.TaskResult
	select {
	case r = <-done:
		if taskCtx.Err() != nil {
			r = executor.TaskResult{Status: executor.TaskStatusCancelled}
			break
		}
		if r.Status == "" || r.Status == executor.TaskStatusPending || r.Status == executor.TaskStatusRunning {
			r.Status = executor.TaskStatusFailed
			if r.Error == "" {
				r.Error = "task runner returned no terminal status"
			}
		}
	case <-timeout:
		cancel()
		r = executor.TaskResult{
			Status:   executor.TaskStatusFailed,
			TimedOut: true,
			Error:    errors.NewTimeoutError("task "+task.ID, s.cfg.TaskTimeout).WithCause(errors.ErrTaskTimeout).Error(),
		}
	case <-taskCtx.Done():
		r = executor.TaskResult{Status: executor.TaskStatusCancelled, Error: errors.ErrCancelled.Error()}
	}

	r.TaskID = task.ID
	r.Critical = task.Critical
	r.StartedAt = start
	r.Duration = s.now().Sub(start)
	r.Status = s.tracker.Stop(task.ID, r.Status)
	if r.Status == executor.TaskStatusCancelled && r.Error == "" {
		r.Error = errors.ErrCancelled.Error()
	}

	var taskErr error
	if r.Error != "" && !r.Succeeded() {
		taskErr = errors.New(r.Error)
	}
	s.events.Publish(event.NewTaskCompletedEvent(waveIndex, task.ID, r.Succeeded(),
		r.Status == executor.TaskStatusCancelled, r.Duration, taskErr))
	return r
}

func cancelledResult(task executor.Task, start time.Time, d time.Duration) executor.TaskResult {
	return executor.TaskResult{
		TaskID:    task.ID,
		Status:    executor.TaskStatusCancelled,
		Critical:  task.Critical,
		Error:     errors.ErrCancelled.Error(),
		StartedAt: start,
		Duration:  d,
	}
}
