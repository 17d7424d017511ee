package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/phase"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/wave"
	"github.com/Iron-Ham/buildpilot/internal/plan"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
	"github.com/Iron-Ham/buildpilot/internal/report"
	"github.com/Iron-Ham/buildpilot/internal/worktree"
)

// run is the state of one Build or Resume call.
type run struct {
	o       *Orchestrator
	id      string
	opts    BuildOptions
	resume  bool
	store   *checkpoint.Store
	machine *phase.Machine
	logger  *logging.Logger
	start   time.Time

	limiter *ratelimit.Limiter
	retries *retry.Manager

	// set by the phases
	state   *checkpoint.BuildState // non-nil once this run owns the build's state
	plan    *plan.Plan
	dir     string
	branch  string
	outcome Outcome
	merged  bool

	mu       sync.Mutex
	timedOut bool
	waves    *wave.Result
	merges   []conflict.FileResolution
	held     []string // task branches kept for human review
}

func (o *Orchestrator) newRun(buildID string, opts BuildOptions, resume bool) *run {
	return &run{
		o:       o,
		id:      buildID,
		opts:    opts,
		resume:  resume,
		store:   o.store(buildID),
		machine: phase.NewMachine(phase.WithClock(o.now)),
		logger:  o.logger.WithBuild(buildID),
		limiter: ratelimit.New(ratelimit.FromConfig(o.cfg.RateLimit),
			append([]ratelimit.Option{ratelimit.WithLogger(o.logger)}, o.limiterOpts...)...),
		retries: retry.NewManager(),
		dir:     o.buildWorktree(buildID),
		branch:  buildBranch(buildID),
	}
}

type step struct {
	phase phase.Phase
	fn    func(ctx context.Context) error
}

func (r *run) steps() []step {
	steps := []step{
		{phase.PhaseInit, r.initPhase},
		{phase.PhaseWorktree, r.worktreePhase},
		{phase.PhasePlan, r.planPhase},
		{phase.PhaseExecute, r.executePhase},
	}
	if !r.opts.NoQA {
		steps = append(steps, step{phase.PhaseVerify, r.verifyPhase})
	}
	if !r.opts.NoMerge {
		steps = append(steps, step{phase.PhaseMerge, r.mergePhase})
	}
	return append(steps, step{phase.PhaseCleanup, r.cleanupPhase})
}

func (r *run) execute(ctx context.Context) Result {
	r.start = r.o.now()
	r.logger.Info("build run started", "resume", r.resume)

	var err error
	for _, s := range r.steps() {
		if s.phase != phase.PhaseInit {
			if err = r.machine.TransitionTo(s.phase); err != nil {
				break
			}
		}
		if err = r.runPhase(ctx, s); err != nil {
			break
		}
	}
	return r.finish(err)
}

func (r *run) runPhase(ctx context.Context, s step) error {
	logger := r.logger.WithPhase(string(s.phase))
	r.o.events.Publish(event.NewPhaseStartedEvent(r.id, string(s.phase)))
	if r.state != nil {
		if err := r.store.SetPhase(string(s.phase), ""); err != nil {
			logger.Warn("failed to record phase", "error", err)
		}
	}
	logger.Info("phase started")

	start := r.o.now()
	err := s.fn(ctx)
	d := r.o.now().Sub(start)
	r.o.events.Publish(event.NewPhaseFinishedEvent(r.id, string(s.phase), d, err))
	if err != nil {
		logger.Error("phase failed", "error", err, "duration_ms", d.Milliseconds())
		return err
	}
	logger.Info("phase completed", "duration_ms", d.Milliseconds())
	return nil
}

// finish moves the machine through report, updates the persisted status,
// writes the report and publishes the terminal build event.
func (r *run) finish(err error) Result {
	o := r.o
	if err != nil {
		if ferr := r.machine.Fail(err); ferr != nil {
			r.logger.Warn("phase transition failed", "error", ferr)
		}
	} else if terr := r.machine.TransitionTo(phase.PhaseReport); terr != nil {
		err = terr
	}

	outcome := r.outcomeFor(err)
	res := Result{
		BuildID: r.id,
		Outcome: outcome,
		Phase:   phase.PhaseComplete,
		Err:     err,
		Merges:  r.mergeDecisions(),
	}
	if p, failed := r.machine.FailedPhase(); failed {
		res.Phase = p
	}
	r.mu.Lock()
	res.Waves = r.waves
	r.mu.Unlock()
	if r.opts.Verbose && r.plan != nil {
		if summary, ferr := plan.Format(r.plan); ferr == nil {
			res.PlanSummary = summary
		}
	}

	if r.state != nil {
		if serr := r.store.SetStatus(statusFor(outcome)); serr != nil {
			r.logger.Warn("failed to record build status", "error", serr)
		}
		if err != nil {
			if nerr := r.store.AddNotification(checkpoint.LevelError, err.Error()); nerr != nil {
				r.logger.Warn("failed to record notification", "error", nerr)
			}
		}
		if perr := r.store.SetPhase(string(phase.PhaseReport), ""); perr != nil {
			r.logger.Warn("failed to record phase", "error", perr)
		}
		path, werr := report.Write(o.fs, o.stateDir, r.reportData(outcome, err, res.Phase))
		if werr != nil {
			r.logger.Error("failed to write report", "error", werr)
		} else {
			res.Report = path
		}
	}

	res.Duration = o.now().Sub(r.start)
	o.events.Publish(event.NewBuildFinishedEvent(buildEventType(outcome), r.id, string(res.Phase), res.Duration, err))

	final := phase.PhaseFailed
	if outcome == OutcomeSuccess {
		final = phase.PhaseComplete
	}
	if terr := r.machine.TransitionTo(final); terr != nil {
		r.logger.Warn("phase transition failed", "error", terr)
	}
	r.logger.Info("build run finished", "outcome", outcome, "phase", res.Phase, "duration_ms", res.Duration.Milliseconds())
	return res
}

func (r *run) outcomeFor(err error) Outcome {
	r.mu.Lock()
	timedOut := r.timedOut
	r.mu.Unlock()
	switch {
	case err == nil:
		return OutcomeSuccess
	case timedOut || errors.Is(err, errors.ErrGlobalTimeout):
		return OutcomeTimeout
	case r.outcome == OutcomePaused || errors.Is(err, errors.ErrCancelled):
		return OutcomePaused
	default:
		return OutcomeFailed
	}
}

func statusFor(o Outcome) checkpoint.Status {
	switch o {
	case OutcomeSuccess:
		return checkpoint.StatusCompleted
	case OutcomePaused:
		return checkpoint.StatusPaused
	default:
		return checkpoint.StatusFailed
	}
}

func buildEventType(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return event.TypeBuildSuccess
	case OutcomeTimeout:
		return event.TypeBuildTimeout
	case OutcomePaused:
		return event.TypeBuildPaused
	default:
		return event.TypeBuildFailed
	}
}

func (r *run) mergeDecisions() []conflict.FileResolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]conflict.FileResolution(nil), r.merges...)
	report.SortMerges(out)
	return out
}

func (r *run) reportData(outcome Outcome, err error, stopped phase.Phase) report.Data {
	d := report.Data{
		BuildID:   r.id,
		Outcome:   string(outcome),
		StartedAt: r.start,
		Duration:  r.o.now().Sub(r.start),
		Phases:    r.machine.Timings(),
		Limiter:   r.limiter.Stats(),
		Merges:    r.mergeDecisions(),
	}
	d.ReviewBranches = r.heldBranches()
	if err != nil {
		d.Error = err.Error()
		d.FailedPhase = string(stopped)
	}
	r.mu.Lock()
	d.Waves = r.waves
	r.mu.Unlock()

	state, lerr := r.store.Load()
	if lerr != nil {
		state = r.state
	}
	d.Status = state.Status
	d.Notifications = state.Notifications
	order := state.Subtasks
	if r.plan != nil {
		d.Title = r.plan.Title
		order = r.plan.Order()
	}
	d.Subtasks = report.Subtasks(order, r.retries.GetAllStates(), state)
	return d
}

func (r *run) notify(level, msg string) {
	if err := r.store.AddNotification(level, msg); err != nil {
		r.logger.Warn("failed to record notification", "error", err)
	}
}

func (r *run) initPhase(context.Context) error {
	if r.resume {
		info, err := r.store.Resume()
		if err != nil {
			return err
		}
		r.state = info.State
		r.logger.Info("resuming build",
			"completed", len(info.CompletedSubtasks),
			"next_subtask", info.NextSubtask,
		)
	} else {
		state, err := r.store.Create(checkpoint.Meta{
			Phase:  string(phase.PhaseInit),
			Values: map[string]string{"repo": r.o.repoDir, "branch": r.branch},
		})
		if err != nil {
			return err
		}
		r.state = state
		if err := r.store.SetStatus(checkpoint.StatusInProgress); err != nil {
			return err
		}
	}
	r.o.events.Publish(event.NewBuildEvent(event.TypeBuildStarted, r.id))
	return nil
}

// worktreePhase prepares the build worktree. A resumed build reuses its
// worktree, or re-attaches its branch when the directory is gone.
func (r *run) worktreePhase(context.Context) error {
	wt := r.o.worktrees
	if r.resume {
		if _, err := os.Stat(r.dir); err == nil {
			r.logger.Info("reusing build worktree", "path", r.dir)
			return nil
		}
		if err := wt.Attach(r.dir, r.branch); err == nil {
			return nil
		}
	}
	if err := wt.Create(r.dir, r.branch, ""); err != nil {
		return errors.NewBuildError("create build worktree", err).WithBuildID(r.id).WithPhase(string(phase.PhaseWorktree))
	}
	return nil
}

func (r *run) planPhase(context.Context) error {
	p, err := plan.Load(r.o.stateDir, r.id)
	if err != nil {
		return err
	}
	r.plan = p
	if err := r.store.SetPlan(p.Order()); err != nil {
		return err
	}
	state, err := r.store.Load()
	if err != nil {
		return err
	}
	r.state = state
	r.logger.Info("plan loaded",
		"subtasks", len(p.Subtasks),
		"parallel", p.IsParallel(),
		"completed", len(state.CompletedSubtasks),
	)
	return nil
}

func (r *run) globalTimeout() time.Duration {
	if r.opts.Timeout > 0 {
		return r.opts.Timeout
	}
	return r.o.cfg.Build.GlobalTimeout()
}

// loop builds a retry loop working in dir. All loops of a run share the
// rate limiter and retry state. Subtasks are checkpointed by the caller
// once their work is committed to the build branch.
func (r *run) loop(dir string) *retry.Loop {
	cfg := r.o.cfg.Build
	return retry.NewLoop(retry.Config{
		MaxIterations:   cfg.MaxIterations,
		SubtaskTimeout:  cfg.SubtaskTimeout(),
		GlobalTimeout:   r.globalTimeout(),
		BuildStart:      r.start,
		StoryID:         cmp.Or(r.plan.StoryID, r.id),
		WorkDir:         dir,
		DeferCheckpoint: true,
	}, r.o.exec, r.store,
		retry.WithVerifier(r.o.verifier),
		retry.WithCritic(r.o.critic),
		retry.WithLimiter(r.limiter),
		retry.WithManager(r.retries),
		retry.WithEmitter(r.o.events),
		retry.WithLogger(r.logger),
		retry.WithClock(r.o.now),
	)
}

// completeSubtask records the success checkpoint of a subtask whose work
// is on the build branch.
func (r *run) completeSubtask(id string, files []string, d time.Duration, attempts int) error {
	_, err := r.store.SaveCheckpoint(id, checkpoint.CheckpointMeta{
		FilesModified: files,
		Duration:      d,
		Attempts:      attempts,
	})
	if err != nil {
		return errors.NewBuildError("save checkpoint", err).WithBuildID(r.id).WithSubtask(id)
	}
	return nil
}

func (r *run) heldBranches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.held)
	slices.Sort(out)
	return out
}

func (r *run) markTimedOut() {
	r.mu.Lock()
	r.timedOut = true
	r.mu.Unlock()
}

func (r *run) isTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

func (r *run) executePhase(ctx context.Context) error {
	if r.plan.IsParallel() {
		return r.executeWaves(ctx)
	}
	return r.executeSequential(ctx)
}

// executeSequential runs the subtasks one at a time in the build worktree,
// committing after each success.
func (r *run) executeSequential(ctx context.Context) error {
	failed := 0
	for _, id := range r.plan.Order() {
		if r.state.IsCompleted(id) {
			r.logger.Info("skipping completed subtask", "subtask_id", id)
			continue
		}
		st, _ := r.plan.Subtask(id)
		if err := r.store.SetPhase(string(phase.PhaseExecute), id); err != nil {
			r.logger.Warn("failed to record subtask", "error", err)
		}

		res := r.loop(r.dir).Run(ctx, st.Task())
		switch res.Status {
		case retry.StatusSuccess:
			if err := r.o.worktrees.CommitAll(r.dir, commitMessage(r.id, st.ID, st.Title)); err != nil {
				return errors.NewBuildError("commit subtask", err).WithBuildID(r.id).WithSubtask(id)
			}
			if err := r.completeSubtask(id, res.FilesModified, res.Duration, res.Iterations); err != nil {
				return err
			}
			continue
		case retry.StatusTimeout:
			r.markTimedOut()
			return res.Err
		case retry.StatusCancelled:
			return res.Err
		}

		if r.o.cfg.Build.PauseOnFailure {
			r.outcome = OutcomePaused
			r.notify(checkpoint.LevelWarning, fmt.Sprintf("paused after subtask %s failed", id))
			return errors.NewBuildError("paused after subtask failure", res.Err).WithBuildID(r.id).WithSubtask(id)
		}
		if st.Critical || !r.o.cfg.Scheduler.ContinueOnNonCriticalFailure {
			return res.Err
		}
		failed++
		r.notify(checkpoint.LevelWarning, fmt.Sprintf("non-critical subtask %s failed: %v", id, res.Err))
	}
	if failed > 0 {
		r.logger.Warn("build continued past non-critical failures", "failed", failed)
	}
	return nil
}

func (r *run) verifyPhase(ctx context.Context) error {
	state, err := r.store.Load()
	if err != nil {
		return err
	}
	var failures []error
	for _, id := range r.plan.Order() {
		st, _ := r.plan.Subtask(id)
		if st.Verification.IsZero() || !state.IsCompleted(id) {
			continue
		}
		res := r.o.verifier.Verify(ctx, r.dir, st.Verification)
		if !res.Passed {
			r.logger.Warn("integrated verification failed", "subtask_id", id, "reason", res.Reason)
			failures = append(failures, fmt.Errorf("subtask %s: %w", id, res.Err()))
		}
	}
	if len(failures) > 0 {
		return errors.NewBuildError("verification of the integrated build failed", errors.Join(failures...)).
			WithBuildID(r.id).WithPhase(string(phase.PhaseVerify))
	}
	return nil
}

// mergePhase merges the build branch into the target. Files a human still
// has to reconcile block the merge; resuming the build after fixing them on
// the build branch retries it.
func (r *run) mergePhase(context.Context) error {
	if files := r.pendingReview(); len(files) > 0 {
		r.notify(checkpoint.LevelError, fmt.Sprintf("not merging: %s need human review; task branches kept: %s",
			strings.Join(files, ", "), strings.Join(r.heldBranches(), ", ")))
		return errors.NewBuildError(fmt.Sprintf("%d file(s) need human review before merging", len(files)),
			errors.ErrNeedsHumanReview).WithBuildID(r.id).WithPhase(string(phase.PhaseMerge))
	}

	wt := r.o.worktrees
	target := r.o.cfg.Build.TargetBranch
	if target == "" {
		current, err := wt.CurrentBranch()
		if err != nil {
			return fmt.Errorf("resolve target branch: %w", err)
		}
		target = current
	}
	if target == r.branch {
		return errors.NewValidationError("target branch is the build branch").WithField("target_branch").WithValue(target)
	}

	err := wt.Merge(wt.RepoDir(), r.branch, target)
	var conflictErr *worktree.MergeConflictError
	if errors.As(err, &conflictErr) {
		r.notify(checkpoint.LevelError, fmt.Sprintf("merge into %s conflicts in %s; resolve manually",
			target, strings.Join(conflictErr.Files, ", ")))
	}
	if err != nil {
		return err
	}
	r.merged = true
	r.logger.Info("build merged", "branch", r.branch, "target", target)
	return nil
}

// pendingReview returns the files this run could not resolve.
func (r *run) pendingReview() []string {
	var files []string
	for _, m := range r.mergeDecisions() {
		if !m.Decision.Applied() {
			files = append(files, m.File)
		}
	}
	return files
}

// cleanupPhase removes the build worktree. The build branch is deleted only
// once it has been merged.
func (r *run) cleanupPhase(context.Context) error {
	if r.opts.KeepWorktree {
		r.logger.Info("keeping build worktree", "path", r.dir)
		return nil
	}
	wt := r.o.worktrees
	if err := wt.Remove(r.dir); err != nil {
		r.logger.Warn("failed to remove build worktree", "path", r.dir, "error", err)
	}
	if r.merged {
		if err := wt.DeleteBranch(r.branch); err != nil {
			r.logger.Warn("failed to delete build branch", "branch", r.branch, "error", err)
		}
	}
	return nil
}

func commitMessage(buildID, subtaskID, title string) string {
	msg := fmt.Sprintf("buildpilot(%s): complete %s", buildID, subtaskID)
	if title != "" {
		msg += " - " + title
	}
	return msg
}
