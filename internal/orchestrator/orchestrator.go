package orchestrator

import (
	"cmp"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/config"
	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/phase"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/verify"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/wave"
	"github.com/Iron-Ham/buildpilot/internal/plan"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
	"github.com/Iron-Ham/buildpilot/internal/worker"
	"github.com/Iron-Ham/buildpilot/internal/worktree"
)

// BranchPrefix prefixes every branch the orchestrator creates.
const BranchPrefix = "buildpilot"

// Outcome is how a build run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
	OutcomePaused  Outcome = "paused"
)

// Result is returned by Build and Resume.
type Result struct {
	BuildID string
	Outcome Outcome

	// Phase is the phase the run stopped in, or PhaseComplete.
	Phase phase.Phase
	Err   error

	// Report is the path of the written report. It is empty for dry runs
	// and for runs that never owned the build's state.
	Report string

	// PlanSummary is the formatted plan for dry and verbose runs.
	PlanSummary string

	Waves    *wave.Result
	Merges   []conflict.FileResolution
	Duration time.Duration
}

// Orchestrator manages builds of one repository.
type Orchestrator struct {
	cfg         *config.Config
	repoDir     string
	stateDir    string
	worktreeDir string

	fs          afero.Fs
	worktrees   Worktrees
	exec        executor.Executor
	critic      retry.Critic
	ai          conflict.AIResolver
	verifier    retry.Verifier
	events      event.Emitter
	logger      *logging.Logger
	now         func() time.Time
	limiterOpts []ratelimit.Option
	watch       bool
}

// New creates an Orchestrator for the repository containing repoDir. A nil
// cfg selects config.Default(). Without WithExecutor the configured worker
// command is used for subtasks, self-critique and AI conflict resolution.
func New(repoDir string, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		events: event.Nop,
		logger: logging.NopLogger(),
		now:    time.Now,
		watch:  true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.worktrees == nil {
		wt, err := worktree.New(repoDir, worktree.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.worktrees = wt
	}
	o.repoDir = o.worktrees.RepoDir()
	o.stateDir = cfg.Build.ResolveStateDir(o.repoDir)
	o.worktreeDir = cfg.Build.ResolveWorktreeDir(o.repoDir)

	if o.exec == nil {
		w := worker.NewFromConfig(cfg.Worker, worker.WithLogger(o.logger))
		o.exec = w
		if o.critic == nil {
			o.critic = w
		}
		if o.ai == nil {
			o.ai = w
		}
	}
	if o.verifier == nil {
		vcfg := verify.DefaultConfig()
		vcfg.Shell = cmp.Or(cfg.Verification.Shell, vcfg.Shell)
		if t := cfg.Verification.Timeout(); t > 0 {
			vcfg.DefaultTimeout = t
		}
		o.verifier = verify.New(verify.WithConfig(vcfg), verify.WithLogger(o.logger))
	}
	return o, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// RepoDir returns the repository root.
func (o *Orchestrator) RepoDir() string { return o.repoDir }

// StateDir returns the directory holding builds, plans and reports.
func (o *Orchestrator) StateDir() string { return o.stateDir }

func (o *Orchestrator) store(buildID string) *checkpoint.Store {
	return checkpoint.NewStore(o.stateDir, buildID,
		checkpoint.WithFs(o.fs),
		checkpoint.WithClock(o.now),
		checkpoint.WithLogger(o.logger),
	)
}

// buildBranch names the branch holding a build's integrated work.
func buildBranch(buildID string) string {
	return BranchPrefix + "/" + buildID
}

// taskBranch names the branch of a task running in its own worktree.
func taskBranch(buildID, taskID string) string {
	return buildBranch(buildID) + "-" + slugify(taskID)
}

func (o *Orchestrator) buildWorktree(buildID string) string {
	return filepath.Join(o.worktreeDir, buildID)
}

func (o *Orchestrator) taskWorktree(buildID, taskID string) string {
	return filepath.Join(o.worktreeDir, buildID+"-tasks", slugify(taskID))
}

// slugify makes s safe for branch and directory names.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// validateBuildID rejects ids that cannot name a directory and a branch.
func validateBuildID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewValidationError("build id is required").WithField("build_id")
	}
	valid := !strings.HasPrefix(id, ".") && !strings.HasPrefix(id, "-") && !strings.Contains(id, "..")
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			valid = false
		}
	}
	if !valid {
		return errors.NewValidationError("build id may only contain letters, digits, '-', '_' and '.'").
			WithField("build_id").WithValue(id)
	}
	return nil
}

// DryRun loads and validates the plan of buildID and returns its summary.
// Nothing is written.
func (o *Orchestrator) DryRun(buildID string) Result {
	res := Result{BuildID: buildID, Outcome: OutcomeFailed, Phase: phase.PhasePlan}
	if err := validateBuildID(buildID); err != nil {
		res.Phase = phase.PhaseInit
		res.Err = err
		return res
	}
	p, err := plan.Load(o.stateDir, buildID)
	if err != nil {
		res.Err = err
		return res
	}
	summary, err := plan.Format(p)
	if err != nil {
		res.Err = err
		return res
	}
	res.Outcome = OutcomeSuccess
	res.Phase = phase.PhaseComplete
	res.PlanSummary = summary
	return res
}

// Build runs a new build from its plan at <stateDir>/plans/<buildID>.yaml.
// The report is written before Build returns, whatever the outcome.
func (o *Orchestrator) Build(ctx context.Context, buildID string, opts BuildOptions) Result {
	if opts.DryRun {
		return o.DryRun(buildID)
	}
	if err := validateBuildID(buildID); err != nil {
		return Result{BuildID: buildID, Outcome: OutcomeFailed, Phase: phase.PhaseInit, Err: err}
	}
	return o.newRun(buildID, opts, false).execute(ctx)
}

// Resume continues an interrupted, paused, failed or abandoned build from
// its next incomplete subtask. Completed builds are rejected.
func (o *Orchestrator) Resume(ctx context.Context, buildID string, opts BuildOptions) Result {
	if opts.DryRun {
		return o.DryRun(buildID)
	}
	if err := validateBuildID(buildID); err != nil {
		return Result{BuildID: buildID, Outcome: OutcomeFailed, Phase: phase.PhaseInit, Err: err}
	}
	return o.newRun(buildID, opts, true).execute(ctx)
}
