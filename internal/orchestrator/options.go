package orchestrator

import (
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
)

// BuildOptions are per-run switches, usually set from command-line flags.
type BuildOptions struct {
	// DryRun loads, validates and summarises the plan without side effects.
	DryRun bool

	// NoMerge leaves the finished work on the build branch.
	NoMerge bool

	// KeepWorktree keeps the build and task worktrees after the run.
	KeepWorktree bool

	// NoQA skips the verify phase.
	NoQA bool

	// Timeout overrides the configured global timeout when positive.
	Timeout time.Duration

	// Verbose includes the plan summary in the result.
	Verbose bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFs sets the filesystem holding build state and reports.
func WithFs(fs afero.Fs) Option {
	return func(o *Orchestrator) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithWorktrees replaces the git worktree manager.
func WithWorktrees(w Worktrees) Option {
	return func(o *Orchestrator) { o.worktrees = w }
}

// WithExecutor replaces the worker used for subtasks.
func WithExecutor(e executor.Executor) Option {
	return func(o *Orchestrator) { o.exec = e }
}

// WithCritic sets the self-critique hook run after failed iterations.
func WithCritic(c retry.Critic) Option {
	return func(o *Orchestrator) { o.critic = c }
}

// WithAIResolver sets the resolver used for ai_required conflicts.
func WithAIResolver(ai conflict.AIResolver) Option {
	return func(o *Orchestrator) { o.ai = ai }
}

// WithVerifier replaces the subtask verifier.
func WithVerifier(v retry.Verifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// WithEmitter sets where build events are published.
func WithEmitter(e event.Emitter) Option {
	return func(o *Orchestrator) { o.events = event.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLimiterOptions passes options to every run's rate limiter.
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(o *Orchestrator) { o.limiterOpts = append(o.limiterOpts, opts...) }
}

// WithFileWatching toggles observing task worktrees for writes the worker
// did not report.
func WithFileWatching(enabled bool) Option {
	return func(o *Orchestrator) { o.watch = enabled }
}
