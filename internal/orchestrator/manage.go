package orchestrator

import (
	"os"
	"slices"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/errors"
)

// Status returns the persisted state of a build.
func (o *Orchestrator) Status(buildID string) (*checkpoint.BuildState, error) {
	if err := validateBuildID(buildID); err != nil {
		return nil, err
	}
	return o.store(buildID).Load()
}

// List returns the state of every build, newest first.
func (o *Orchestrator) List() ([]*checkpoint.BuildState, error) {
	return checkpoint.List(o.fs, o.stateDir)
}

// Checkpoint manually marks subtaskID of a build as completed, e.g. after
// finishing it by hand, so a resume skips it.
func (o *Orchestrator) Checkpoint(buildID, subtaskID string) (checkpoint.Checkpoint, error) {
	if err := validateBuildID(buildID); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if subtaskID == "" {
		return checkpoint.Checkpoint{}, errors.NewValidationError("subtask id is required").WithField("subtask_id")
	}
	store := o.store(buildID)
	state, err := store.Load()
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if len(state.Subtasks) > 0 && !slices.Contains(state.Subtasks, subtaskID) {
		return checkpoint.Checkpoint{}, errors.NewValidationError("subtask is not part of the build's plan").
			WithField("subtask_id").WithValue(subtaskID)
	}
	cp, err := store.SaveCheckpoint(subtaskID, checkpoint.CheckpointMeta{})
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	o.logger.WithBuild(buildID).Info("manual checkpoint saved", "subtask_id", subtaskID, "checkpoint_id", cp.ID)
	return cp, nil
}

// DetectAbandoned marks an in-progress build abandoned when it has not
// checkpointed for longer than threshold. A non-positive threshold selects
// the configured one.
func (o *Orchestrator) DetectAbandoned(buildID string, threshold time.Duration) (bool, error) {
	if err := validateBuildID(buildID); err != nil {
		return false, err
	}
	if threshold <= 0 {
		threshold = o.cfg.Build.AbandonedThreshold()
	}
	return o.store(buildID).DetectAbandoned(threshold)
}

// Cleanup removes a build's worktrees, its unmerged branch and its state.
// An in-progress build is only removed with force.
func (o *Orchestrator) Cleanup(buildID string, force bool) error {
	if err := validateBuildID(buildID); err != nil {
		return err
	}
	store := o.store(buildID)
	state, err := store.Load()
	if err != nil && !force {
		return err
	}
	if state != nil && state.Status == checkpoint.StatusInProgress && !force {
		return errors.NewValidationError("build is in progress; use force to remove it").
			WithField("status").WithValue(state.Status)
	}

	logger := o.logger.WithBuild(buildID)
	wt := o.worktrees
	dir := o.buildWorktree(buildID)
	if _, err := os.Stat(dir); err == nil {
		if err := wt.Remove(dir); err != nil {
			logger.Warn("failed to remove build worktree", "path", dir, "error", err)
		}
	}
	if err := wt.DeleteBranch(buildBranch(buildID)); err != nil {
		logger.Debug("build branch not deleted", "error", err)
	}

	tasksDir := o.taskWorktree(buildID, "")
	if entries, err := os.ReadDir(tasksDir); err == nil {
		for _, e := range entries {
			if err := wt.Remove(o.taskWorktree(buildID, e.Name())); err != nil {
				logger.Warn("failed to remove task worktree", "task", e.Name(), "error", err)
			}
			_ = wt.DeleteBranch(taskBranch(buildID, e.Name()))
		}
		_ = os.RemoveAll(tasksDir)
	}

	if err := store.Delete(); err != nil {
		return err
	}
	logger.Info("build cleaned up", "forced", force)
	return nil
}
