package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/wave"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
)

// isolated is a task that ran in its own worktree.
type isolated struct {
	dir    string
	branch string
}

// waveRun holds the state shared by the tasks and the integration step of
// one ExecuteWaves call.
type waveRun struct {
	*run
	pipeline *conflict.Pipeline
	watcher  *conflict.Watcher // nil when file watching is off

	// multi marks tasks whose wave has more than one task; they get their
	// own worktree so concurrent edits never share a checkout.
	multi map[string]bool
	// tasks by id, for intents during conflict resolution
	tasks map[string]executor.Task

	isolated map[string]isolated // guarded by run.mu
}

// pendingWaves drops subtasks completed by an earlier run, and waves left
// empty by that.
func (r *run) pendingWaves() []executor.Wave {
	var out []executor.Wave
	for _, w := range r.plan.ExecutionWaves() {
		var tasks []executor.Task
		for _, t := range w.Tasks {
			if r.state.IsCompleted(t.ID) {
				r.logger.Info("skipping completed subtask", "subtask_id", t.ID)
				continue
			}
			tasks = append(tasks, t)
		}
		if len(tasks) > 0 {
			out = append(out, executor.Wave{Index: w.Index, Tasks: tasks})
		}
	}
	return out
}

func (r *run) newPipeline() (*conflict.Pipeline, error) {
	mc := r.o.cfg.Merge
	rules := mc.RulesFile
	if rules != "" && !filepath.IsAbs(rules) {
		rules = filepath.Join(r.o.stateDir, rules)
	}
	table, err := conflict.LoadTable(rules)
	if err != nil {
		return nil, err
	}
	opts := []conflict.Option{
		conflict.WithTable(table),
		conflict.WithPolicy(conflict.PolicyByName(mc.Policy)),
		conflict.WithMaxContextTokens(mc.MaxContextTokens),
		conflict.WithEmitter(r.o.events),
		conflict.WithLogger(r.logger),
	}
	if mc.AIEnabled && r.o.ai != nil {
		opts = append(opts, conflict.WithAIResolver(r.limitedAI()))
	}
	return conflict.NewPipeline(opts...), nil
}

// limitedAI routes AI merge calls through the run's rate limiter, which
// the worker and critic calls share.
func (r *run) limitedAI() conflict.AIResolver {
	ai := r.o.ai
	return conflict.AIResolverFunc(func(ctx context.Context, req conflict.AIRequest) (string, error) {
		return ratelimit.Do(ctx, r.limiter, func(ctx context.Context) (string, error) {
			return ai.ResolveConflict(ctx, req)
		})
	})
}

// executeWaves runs a parallel plan through the wave scheduler. After each
// wave the work of its isolated tasks is integrated into the build worktree,
// so the next wave starts from it.
func (r *run) executeWaves(ctx context.Context) error {
	waves := r.pendingWaves()
	if len(waves) == 0 {
		r.logger.Info("no pending subtasks")
		return nil
	}

	pipeline, err := r.newPipeline()
	if err != nil {
		return err
	}
	wr := &waveRun{
		run:      r,
		pipeline: pipeline,
		multi:    make(map[string]bool),
		tasks:    make(map[string]executor.Task),
		isolated: make(map[string]isolated),
	}
	for _, w := range waves {
		for _, t := range w.Tasks {
			wr.tasks[t.ID] = t
			wr.multi[t.ID] = len(w.Tasks) > 1
		}
	}

	if r.o.watch {
		watcher, err := conflict.NewWatcher(conflict.WithWatcherLogger(r.logger))
		if err != nil {
			r.logger.Warn("file watching unavailable", "error", err)
		} else {
			watcher.SetOverlapCallback(func(overlaps []conflict.Overlap) {
				for _, ov := range overlaps {
					r.logger.Debug("tasks writing the same file", "file", ov.Path, "tasks", ov.TaskIDs)
				}
			})
			watcher.Start()
			defer watcher.Stop()
			wr.watcher = watcher
		}
	}

	sched := wave.New(wave.FromConfig(r.o.cfg.Scheduler),
		wave.WithEmitter(r.o.events),
		wave.WithLogger(r.logger),
		wave.WithClock(r.o.now),
		wave.WithAfterWave(wr.afterWave),
	)
	res := sched.ExecuteWaves(ctx, waves, executor.TaskRunnerFunc(wr.runTask))

	// Integrate the successful tasks of a cancelled wave so a resume does
	// not run them again.
	for _, w := range res.Waves {
		if w.Cancelled {
			if err := wr.integrate(context.WithoutCancel(ctx), w); err != nil {
				r.logger.Warn("failed to integrate cancelled wave", "wave", w.Index, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.waves = &res
	r.mu.Unlock()

	switch {
	case r.isTimedOut():
		return errors.NewBuildError("global timeout exceeded", errors.ErrGlobalTimeout).WithBuildID(r.id)
	case res.Success:
		return nil
	}
	if r.o.cfg.Build.PauseOnFailure && !errors.Is(res.Err, errors.ErrCancelled) {
		r.outcome = OutcomePaused
		r.notify(checkpoint.LevelWarning, "paused after a failed wave")
	}
	if res.Err == nil {
		return errors.NewBuildError("wave execution failed", errors.ErrTaskFailed).WithBuildID(r.id)
	}
	return res.Err
}

// runTask drives one task through the retry loop, in its own worktree when
// it shares its wave with other tasks.
func (wr *waveRun) runTask(ctx context.Context, waveIndex int, task executor.Task) executor.TaskResult {
	logger := wr.logger.WithWave(waveIndex).WithSubtask(task.ID)
	tr := executor.TaskResult{TaskID: task.ID, Critical: task.Critical, Status: executor.TaskStatusFailed}

	dir := wr.dir
	if wr.multi[task.ID] {
		iso, err := wr.createTaskWorktree(task.ID)
		if err != nil {
			tr.Error = err.Error()
			return tr
		}
		dir = iso.dir
		if wr.watcher != nil {
			if err := wr.watcher.AddTask(task.ID, dir); err != nil {
				logger.Warn("cannot watch task worktree", "error", err)
			}
		}
	}

	res := wr.loop(dir).Run(ctx, task)
	tr.Iterations = res.Iterations
	tr.FilesModified = res.FilesModified
	if res.Err != nil {
		tr.Error = res.Err.Error()
	}
	switch res.Status {
	case retry.StatusSuccess:
		tr.Status = executor.TaskStatusComplete
	case retry.StatusCancelled:
		tr.Status = executor.TaskStatusCancelled
	case retry.StatusTimeout:
		tr.TimedOut = true
		wr.markTimedOut()
	}

	if tr.Succeeded() && !wr.multi[task.ID] {
		if err := wr.o.worktrees.CommitAll(dir, commitMessage(wr.id, task.ID, task.Title)); err != nil {
			logger.Error("failed to commit subtask", "error", err)
			tr.Status = executor.TaskStatusFailed
			tr.Error = err.Error()
		}
	}
	return tr
}

// createTaskWorktree branches a task worktree from the build branch,
// replacing one left behind by an earlier run.
func (wr *waveRun) createTaskWorktree(taskID string) (isolated, error) {
	wt := wr.o.worktrees
	iso := isolated{dir: wr.o.taskWorktree(wr.id, taskID), branch: taskBranch(wr.id, taskID)}
	if _, err := os.Stat(iso.dir); err == nil {
		_ = wt.Remove(iso.dir)
		_ = wt.DeleteBranch(iso.branch)
	}
	if err := wt.Create(iso.dir, iso.branch, wr.branch); err != nil {
		return iso, errors.NewBuildError("create task worktree", err).WithBuildID(wr.id).WithSubtask(taskID)
	}
	wr.mu.Lock()
	wr.isolated[taskID] = iso
	wr.mu.Unlock()
	return iso, nil
}

func (wr *waveRun) isolatedTask(taskID string) (isolated, bool) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	iso, ok := wr.isolated[taskID]
	return iso, ok
}

// afterWave integrates the wave and stops the run when the build timed out
// or should pause.
func (wr *waveRun) afterWave(ctx context.Context, w wave.WaveResult) error {
	if err := wr.integrate(ctx, w); err != nil {
		return err
	}
	if wr.isTimedOut() {
		return errors.NewBuildError("global timeout exceeded", errors.ErrGlobalTimeout).WithBuildID(wr.id)
	}
	if failed := w.Failed(); len(failed) > 0 && wr.o.cfg.Build.PauseOnFailure {
		return errors.NewBuildError(
			fmt.Sprintf("paused after %s failed", strings.Join(failed, ", ")), errors.ErrTaskFailed,
		).WithBuildID(wr.id).WithWave(w.Index)
	}
	return nil
}

// integrate brings the successful isolated tasks of a wave into the build
// worktree. Files touched by one task are copied over; files touched by
// several go through the conflict pipeline, and only files it could merge
// are written. The wave's successful subtasks are checkpointed once the
// integration is committed. Task worktrees are removed afterwards, except
// those of tasks whose work on a shared file awaits human review.
func (wr *waveRun) integrate(ctx context.Context, w wave.WaveResult) error {
	wt := wr.o.worktrees

	touchers := make(map[string][]string) // file -> task ids
	var owned []string
	for _, res := range w.Results {
		iso, ok := wr.isolatedTask(res.TaskID)
		if !ok {
			continue
		}
		owned = append(owned, res.TaskID)
		if !res.Succeeded() {
			continue
		}
		if err := wt.CommitAll(iso.dir, commitMessage(wr.id, res.TaskID, wr.tasks[res.TaskID].Title)); err != nil {
			return fmt.Errorf("commit task %s: %w", res.TaskID, err)
		}
		changed, err := wt.ChangedFiles(iso.dir, wr.branch)
		if err != nil {
			return fmt.Errorf("list changes of task %s: %w", res.TaskID, err)
		}
		var observed []string
		if wr.watcher != nil {
			observed = wr.watcher.FilesModifiedBy(res.TaskID)
		}
		for _, f := range conflict.MergeFiles(res.FilesModified, append(observed, changed...)) {
			touchers[f] = append(touchers[f], res.TaskID)
		}
	}

	held := make(map[string]bool)
	if len(owned) > 0 {
		if err := wr.mergeOwned(ctx, w.Index, touchers, held); err != nil {
			return err
		}
	}

	for _, res := range w.Results {
		if !res.Succeeded() {
			continue
		}
		if err := wr.completeSubtask(res.TaskID, res.FilesModified, res.Duration, res.Iterations); err != nil {
			return err
		}
	}
	for _, id := range owned {
		wr.releaseTask(id, held[id])
	}
	return nil
}

// mergeOwned writes the work of a wave's isolated tasks into the build
// worktree and commits it. Tasks whose shared files were not merged are
// added to held.
func (wr *waveRun) mergeOwned(ctx context.Context, waveIndex int, touchers map[string][]string, held map[string]bool) error {
	wt := wr.o.worktrees
	logger := wr.logger.WithWave(waveIndex)

	var shared []conflict.FileInput
	files := make([]string, 0, len(touchers))
	for f := range touchers {
		files = append(files, f)
	}
	slices.Sort(files)
	for _, f := range files {
		ids := touchers[f]
		if len(ids) == 1 {
			iso, _ := wr.isolatedTask(ids[0])
			if err := wt.CopyFile(iso.dir, wr.dir, f); err != nil {
				return fmt.Errorf("integrate %s from %s: %w", f, ids[0], err)
			}
			continue
		}
		input, err := wr.fileInput(f, ids)
		if err != nil {
			return err
		}
		shared = append(shared, input)
	}

	if len(shared) > 0 {
		resolutions := wr.resolve(ctx, waveIndex, shared)
		for _, res := range resolutions {
			if res.Decision.Applied() {
				if err := wr.writeResolution(res, touchers[res.File]); err != nil {
					return err
				}
				continue
			}
			branches := wr.hold(touchers[res.File], held)
			logger.Warn("file left for human review",
				"file", res.File, "decision", res.Decision, "reason", res.Reason, "branches", branches)
			wr.notify(checkpoint.LevelWarning, fmt.Sprintf("wave %d: %s needs human review (%s): %s; task branches kept: %s",
				waveIndex, res.File, res.Decision, res.Reason, strings.Join(branches, ", ")))
		}
		wr.mu.Lock()
		wr.merges = append(wr.merges, resolutions...)
		wr.mu.Unlock()
	}

	if err := wt.CommitAll(wr.dir, fmt.Sprintf("buildpilot(%s): integrate wave %d", wr.id, waveIndex)); err != nil {
		return fmt.Errorf("commit wave %d: %w", waveIndex, err)
	}
	logger.Info("wave integrated", "files", len(files), "shared", len(shared), "held", len(held))
	return nil
}

// writeResolution applies a merged file to the build worktree. A file every
// task deleted is removed by copying its absence from the first task.
func (wr *waveRun) writeResolution(res conflict.FileResolution, taskIDs []string) error {
	wt := wr.o.worktrees
	if res.Deleted {
		iso, _ := wr.isolatedTask(taskIDs[0])
		if err := wt.CopyFile(iso.dir, wr.dir, res.File); err != nil {
			return fmt.Errorf("remove %s: %w", res.File, err)
		}
		return nil
	}
	if err := wt.WriteFile(wr.dir, res.File, res.Content); err != nil {
		return fmt.Errorf("write merged %s: %w", res.File, err)
	}
	return nil
}

// hold keeps the branches of the given tasks for review and returns them.
func (wr *waveRun) hold(taskIDs []string, held map[string]bool) []string {
	branches := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		branch := taskBranch(wr.id, id)
		branches = append(branches, branch)
		if held[id] {
			continue
		}
		held[id] = true
		wr.mu.Lock()
		wr.held = append(wr.held, branch)
		wr.mu.Unlock()
	}
	return branches
}

func (wr *waveRun) fileInput(file string, taskIDs []string) (conflict.FileInput, error) {
	wt := wr.o.worktrees
	baseline, _, err := wt.ReadBaseline(wr.branch, file)
	if err != nil {
		return conflict.FileInput{}, fmt.Errorf("read baseline of %s: %w", file, err)
	}
	in := conflict.FileInput{Path: file, Baseline: baseline}
	for _, id := range taskIDs {
		iso, _ := wr.isolatedTask(id)
		content, ok, err := wt.ReadFile(iso.dir, file)
		if err != nil {
			return conflict.FileInput{}, fmt.Errorf("read %s from task %s: %w", file, id, err)
		}
		in.Versions = append(in.Versions, conflict.FileVersion{
			TaskID:  id,
			Content: content,
			Intent:  wr.tasks[id].Description,
			Deleted: !ok,
		})
	}
	return in, nil
}

// resolve runs shared files through the pipeline, or marks them for review
// when conflict resolution is disabled.
func (wr *waveRun) resolve(ctx context.Context, waveIndex int, files []conflict.FileInput) []conflict.FileResolution {
	if wr.o.cfg.Merge.Enabled {
		return wr.pipeline.ResolveWave(ctx, wr.id, waveIndex, files)
	}
	out := make([]conflict.FileResolution, 0, len(files))
	for _, f := range files {
		out = append(out, conflict.FileResolution{
			File:     f.Path,
			Decision: conflict.DecisionNeedsHumanReview,
			Reason:   "conflict resolution is disabled",
		})
	}
	return out
}

// releaseTask stops watching a task and removes its worktree and branch
// unless they are kept.
func (wr *waveRun) releaseTask(taskID string, keep bool) {
	if wr.watcher != nil {
		wr.watcher.RemoveTask(taskID)
	}
	wr.mu.Lock()
	iso := wr.isolated[taskID]
	delete(wr.isolated, taskID)
	wr.mu.Unlock()

	if keep {
		wr.logger.Info("keeping task worktree for review", "subtask_id", taskID, "path", iso.dir, "branch", iso.branch)
		return
	}
	if wr.opts.KeepWorktree {
		return
	}
	wt := wr.o.worktrees
	if err := wt.Remove(iso.dir); err != nil {
		wr.logger.Warn("failed to remove task worktree", "subtask_id", taskID, "error", err)
	}
	if err := wt.DeleteBranch(iso.branch); err != nil {
		wr.logger.Warn("failed to delete task branch", "subtask_id", taskID, "error", err)
	}
}
