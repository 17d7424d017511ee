package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/verify"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
)

// Status is the terminal state of one Run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// DefaultMaxIterations bounds iterations when none is configured.
const DefaultMaxIterations = 10

// Checkpointer is the subset of the checkpoint store the loop writes to.
type Checkpointer interface {
	SaveCheckpoint(subtaskID string, meta checkpoint.CheckpointMeta) (checkpoint.Checkpoint, error)
	RecordFailure(subtaskID string, meta checkpoint.FailureMeta) (checkpoint.FailureRecord, error)
}

// Verifier checks a task's work after the worker reports success.
type Verifier interface {
	Verify(ctx context.Context, workDir string, check verify.Verification) verify.Result
}

// Attempt describes a failed iteration handed to a Critic.
type Attempt struct {
	Iteration int
	Error     string
	Output    string
}

// Critic produces an analysis of a failed iteration. The returned text is
// carried into the next iteration's context and failure record.
type Critic interface {
	Critique(ctx context.Context, task executor.Task, attempt Attempt) (string, error)
}

// CriticFunc adapts a function to Critic.
type CriticFunc func(ctx context.Context, task executor.Task, attempt Attempt) (string, error)

// Critique implements Critic.
func (f CriticFunc) Critique(ctx context.Context, task executor.Task, attempt Attempt) (string, error) {
	return f(ctx, task, attempt)
}

// Config holds loop budgets.
type Config struct {
	MaxIterations  int
	SubtaskTimeout time.Duration // 0 disables
	GlobalTimeout  time.Duration // 0 disables
	BuildStart     time.Time
	StoryID        string
	WorkDir        string
	// DeferCheckpoint leaves saving the success checkpoint to the caller,
	// for work that only counts once it is integrated elsewhere.
	DeferCheckpoint bool
}

// Result is the outcome of driving one task.
type Result struct {
	TaskID        string
	Status        Status
	Iterations    int
	Err           error
	FilesModified []string
	Duration      time.Duration
	Checkpoint    *checkpoint.Checkpoint
}

// Loop drives one subtask at a time through bounded iterations.
// A Loop is safe for concurrent Run calls on different tasks.
type Loop struct {
	cfg      Config
	exec     executor.Executor
	store    Checkpointer
	verifier Verifier
	critic   Critic
	limiter  *ratelimit.Limiter
	retries  *Manager
	events   event.Emitter
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithVerifier sets the verifier. Without one, verification is skipped.
func WithVerifier(v Verifier) Option {
	return func(l *Loop) { l.verifier = v }
}

// WithCritic sets the self-critique hook.
func WithCritic(c Critic) Option {
	return func(l *Loop) { l.critic = c }
}

// WithLimiter routes every worker and critic call through the rate limiter.
func WithLimiter(rl *ratelimit.Limiter) Option {
	return func(l *Loop) { l.limiter = rl }
}

// WithManager shares a retry Manager, typically with the report.
func WithManager(m *Manager) Option {
	return func(l *Loop) {
		if m != nil {
			l.retries = m
		}
	}
}

// WithEmitter sets where subtask events are published.
func WithEmitter(e event.Emitter) Option {
	return func(l *Loop) { l.events = event.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source used for the global deadline.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a Loop.
func NewLoop(cfg Config, exec executor.Executor, store Checkpointer, opts ...Option) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	l := &Loop{
		cfg:     cfg,
		exec:    exec,
		store:   store,
		retries: NewManager(),
		events:  event.Nop,
		logger:  logging.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.BuildStart.IsZero() {
		l.cfg.BuildStart = l.now()
	}
	return l
}

// Manager returns the retry state the loop records into.
func (l *Loop) Manager() *Manager { return l.retries }

// Config returns the loop budgets.
func (l *Loop) Config() Config { return l.cfg }

// Run drives task until it succeeds, exhausts its iterations, or the build
// deadline passes. Per-iteration errors are recorded, not returned; only the
// final Result carries an error.
func (l *Loop) Run(ctx context.Context, task executor.Task) Result {
	start := l.now()
	logger := l.logger.WithSubtask(task.ID)
	l.retries.GetOrCreateState(task.ID, l.cfg.MaxIterations)

	res := Result{TaskID: task.ID, Status: StatusFailed}
	var critique, lastErrMsg string

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			res.Status = StatusCancelled
			res.Err = fmt.Errorf("subtask %s: %w", task.ID, errors.ErrCancelled)
			break
		}
		if l.globalExpired() {
			res.Status = StatusTimeout
			res.Err = l.timeoutError(task.ID)
			l.retries.MarkTimedOut(task.ID)
			break
		}

		res.Iterations = iteration
		l.events.Publish(event.NewSubtaskStartedEvent(l.cfg.StoryID, task.ID, iteration))
		logger.Info("iteration started", "iteration", iteration, "max_iterations", l.cfg.MaxIterations)

		iterStart := l.now()
		ectx := executor.ExecContext{
			Iteration:     iteration,
			MaxIterations: l.cfg.MaxIterations,
			StoryID:       l.cfg.StoryID,
			WorkDir:       l.cfg.WorkDir,
			Critique:      critique,
			PreviousError: lastErrMsg,
		}
		outcome, err := l.execute(ctx, task, ectx)

		if errors.Is(err, errors.ErrGlobalTimeout) {
			res.Status = StatusTimeout
			res.Err = l.timeoutError(task.ID)
			l.retries.MarkTimedOut(task.ID)
			l.recordFailure(logger, task.ID, "global timeout exceeded during iteration", critique)
			break
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err == nil {
			err = l.verifyOutcome(ctx, task, outcome)
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		elapsed := l.now().Sub(iterStart)
		if err == nil {
			l.retries.RecordAttempt(task.ID, true, elapsed.Milliseconds(), "")
			l.retries.RecordFiles(task.ID, outcome.FilesModified)
			res.FilesModified = outcome.FilesModified

			if !l.cfg.DeferCheckpoint {
				cp, cpErr := l.store.SaveCheckpoint(task.ID, checkpoint.CheckpointMeta{
					FilesModified: outcome.FilesModified,
					Duration:      l.now().Sub(start),
					Attempts:      iteration,
				})
				if cpErr != nil {
					res.Err = fmt.Errorf("save checkpoint for %s: %w", task.ID, cpErr)
					break
				}
				res.Checkpoint = &cp
			}
			res.Status = StatusSuccess
			l.events.Publish(event.NewSubtaskCompletedEvent(l.cfg.StoryID, task.ID, iteration, outcome.FilesModified))
			logger.Info("subtask completed", "iteration", iteration, "files", len(outcome.FilesModified))
			break
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			res.Status = StatusCancelled
			res.Err = fmt.Errorf("subtask %s: %w", task.ID, errors.ErrCancelled)
			break
		}

		lastErrMsg = err.Error()
		res.Err = err
		l.retries.RecordAttempt(task.ID, false, elapsed.Milliseconds(), lastErrMsg)
		l.recordFailure(logger, task.ID, lastErrMsg, critique)
		l.events.Publish(event.NewSubtaskFailedEvent(l.cfg.StoryID, task.ID, iteration, err))
		logger.Warn("iteration failed", "iteration", iteration, "error", lastErrMsg)

		if iteration < l.cfg.MaxIterations && l.critic != nil {
			critique = l.critique(ctx, logger, task, Attempt{Iteration: iteration, Error: lastErrMsg, Output: outcome.Output})
		}
	}

	if res.Status == StatusFailed && res.Iterations == l.cfg.MaxIterations {
		res.Err = errors.NewBuildError(
			fmt.Sprintf("failed after %d iterations", res.Iterations),
			errors.Join(errors.ErrMaxIterations, res.Err),
		).WithBuildID(l.cfg.StoryID).WithSubtask(task.ID).WithSeverity(errors.SeverityError)
	}
	res.Duration = l.now().Sub(start)
	return res
}

func (l *Loop) globalExpired() bool {
	return l.cfg.GlobalTimeout > 0 && l.now().Sub(l.cfg.BuildStart) >= l.cfg.GlobalTimeout
}

func (l *Loop) timeoutError(taskID string) error {
	return errors.NewBuildError("global timeout exceeded", errors.ErrGlobalTimeout).
		WithBuildID(l.cfg.StoryID).WithSubtask(taskID)
}

// execute races the worker call against the subtask timeout and the
// remaining global budget. On timeout the call's result is discarded.
func (l *Loop) execute(ctx context.Context, task executor.Task, ectx executor.ExecContext) (executor.Outcome, error) {
	budget := l.cfg.SubtaskTimeout
	global := false
	if l.cfg.GlobalTimeout > 0 {
		remaining := l.cfg.GlobalTimeout - l.now().Sub(l.cfg.BuildStart)
		if budget <= 0 || remaining < budget {
			budget = remaining
			global = true
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type callResult struct {
		outcome executor.Outcome
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		var r callResult
		call := func(c context.Context) error {
			out, err := l.exec.Execute(c, task, ectx)
			r.outcome = out
			return err
		}
		if l.limiter != nil {
			r.err = l.limiter.ExecuteWithRetry(callCtx, call)
		} else {
			r.err = call(callCtx)
		}
		done <- r
	}()

	var timeout <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return r.outcome, r.err
		}
		if !r.outcome.Success {
			msg := r.outcome.Error
			if msg == "" {
				msg = "worker reported failure"
			}
			return r.outcome, fmt.Errorf("%s: %w", msg, errors.ErrTaskFailed)
		}
		return r.outcome, nil
	case <-timeout:
		if global {
			return executor.Outcome{}, errors.ErrGlobalTimeout
		}
		return executor.Outcome{}, errors.NewTimeoutError("subtask "+task.ID, budget).WithCause(errors.ErrTaskTimeout)
	case <-ctx.Done():
		return executor.Outcome{}, ctx.Err()
	}
}

func (l *Loop) verifyOutcome(ctx context.Context, task executor.Task, outcome executor.Outcome) error {
	if l.verifier == nil || task.Verification.IsZero() {
		return nil
	}
	vr := l.verifier.Verify(ctx, l.cfg.WorkDir, task.Verification)
	if vr.Passed {
		return nil
	}
	if vr.Output != "" {
		return fmt.Errorf("%w\n%s", vr.Err(), strings.TrimSpace(vr.Output))
	}
	return vr.Err()
}

func (l *Loop) recordFailure(logger *logging.Logger, taskID, msg, approach string) {
	if _, err := l.store.RecordFailure(taskID, checkpoint.FailureMeta{Error: msg, Approach: approach}); err != nil {
		logger.Error("failed to record failure", "error", err)
	}
}

func (l *Loop) critique(ctx context.Context, logger *logging.Logger, task executor.Task, attempt Attempt) string {
	call := func(ctx context.Context) (string, error) { return l.critic.Critique(ctx, task, attempt) }
	var text string
	var err error
	if l.limiter != nil {
		text, err = ratelimit.Do(ctx, l.limiter, call)
	} else {
		text, err = call(ctx)
	}
	if err != nil {
		logger.Warn("self-critique failed", "iteration", attempt.Iteration, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}
