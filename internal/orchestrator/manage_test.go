package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/config"
	"github.com/Iron-Ham/buildpilot/internal/errors"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startBuild(t *testing.T, h *harness, id string, subtasks ...string) {
	t.Helper()
	store := h.o.store(id)
	_, err := store.Create(checkpoint.Meta{Subtasks: subtasks})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(checkpoint.StatusInProgress))
}

func TestStatusAndList(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, nil, WithClock(clock.Now))

	_, err := h.o.Status("missing")
	assert.True(t, errors.Is(err, errors.ErrBuildNotFound))

	startBuild(t, h, "older", "a")
	clock.Advance(time.Minute)
	startBuild(t, h, "newer", "a")

	states, err := h.o.List()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "newer", states[0].BuildID)
	assert.Equal(t, "older", states[1].BuildID)

	state, err := h.o.Status("older")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInProgress, state.Status)
}

func TestCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	startBuild(t, h, "b1", "a", "b")

	cp, err := h.o.Checkpoint("b1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", cp.SubtaskID)

	state := h.state(t, "b1")
	assert.Equal(t, []string{"a"}, state.CompletedSubtasks)
	assert.Equal(t, "b", state.NextSubtask())

	_, err = h.o.Checkpoint("b1", "zzz")
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = h.o.Checkpoint("b1", "")
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = h.o.Checkpoint("nope", "a")
	assert.True(t, errors.Is(err, errors.ErrBuildNotFound))
}

func TestCheckpoint_ResumeSkipsManualCheckpoint(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Build.PauseOnFailure = true })
	h.savePlan(t, sequentialPlan("b1"))
	h.worker.fails["a"] = -1

	res := h.o.Build(context.Background(), "b1", BuildOptions{})
	require.Equal(t, OutcomePaused, res.Outcome)

	_, err := h.o.Checkpoint("b1", "a")
	require.NoError(t, err)

	res = h.o.Resume(context.Background(), "b1", BuildOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, h.worker.callsFor("a"), "a is not retried after the manual checkpoint")
	assert.Equal(t, 1, h.worker.callsFor("b"))
}

func TestDetectAbandoned(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, func(c *config.Config) { c.Build.AbandonedThresholdMs = int((30 * time.Minute).Milliseconds()) },
		WithClock(clock.Now))
	startBuild(t, h, "b1", "a")

	clock.Advance(10 * time.Minute)
	abandoned, err := h.o.DetectAbandoned("b1", 0)
	require.NoError(t, err)
	assert.False(t, abandoned)

	abandoned, err = h.o.DetectAbandoned("b1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, abandoned)
	assert.Equal(t, checkpoint.StatusAbandoned, h.state(t, "b1").Status)

	// only in-progress builds are checked
	clock.Advance(time.Hour)
	abandoned, err = h.o.DetectAbandoned("b1", 0)
	require.NoError(t, err)
	assert.False(t, abandoned)
}

func TestDetectAbandoned_ConfiguredThreshold(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, func(c *config.Config) { c.Build.AbandonedThresholdMs = int((30 * time.Minute).Milliseconds()) },
		WithClock(clock.Now))
	startBuild(t, h, "b1", "a")

	clock.Advance(31 * time.Minute)
	abandoned, err := h.o.DetectAbandoned("b1", 0)
	require.NoError(t, err)
	assert.True(t, abandoned)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, nil)
	h.savePlan(t, parallelPlan())

	res := h.o.Build(context.Background(), "b1", BuildOptions{KeepWorktree: true, NoMerge: true})
	require.NoError(t, res.Err)
	buildDir := filepath.Join(h.wtDir, "b1")
	require.DirExists(t, buildDir)
	require.DirExists(t, filepath.Join(h.wtDir, "b1-tasks", "a"))

	require.NoError(t, h.o.Cleanup("b1", false))
	assert.NoDirExists(t, buildDir)
	assert.NoDirExists(t, filepath.Join(h.wtDir, "b1-tasks"))
	assert.True(t, h.wt.called("delete buildpilot/b1"))
	assert.True(t, h.wt.called("delete buildpilot/b1-a"))

	_, err := h.o.Status("b1")
	assert.True(t, errors.Is(err, errors.ErrBuildNotFound))
}

func TestCleanup_InProgressNeedsForce(t *testing.T) {
	h := newHarness(t, nil)
	startBuild(t, h, "b1", "a")
	require.NoError(t, os.MkdirAll(filepath.Join(h.wtDir, "b1"), 0o755))

	err := h.o.Cleanup("b1", false)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	assert.DirExists(t, filepath.Join(h.wtDir, "b1"))

	require.NoError(t, h.o.Cleanup("b1", true))
	assert.NoDirExists(t, filepath.Join(h.wtDir, "b1"))
}

func TestCleanup_UnknownBuild(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, errors.Is(h.o.Cleanup("ghost", false), errors.ErrBuildNotFound))
	assert.True(t, errors.Is(h.o.Cleanup("../x", true), errors.ErrInvalidInput))
}
