package checkpoint

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/buildpilot/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestStore(t *testing.T, fs afero.Fs, clock *fakeClock) *Store {
	t.Helper()
	return NewStore("/state", "story-1", WithFs(fs), WithClock(clock.Now), WithRunID("run-1"))
}

func createdStore(t *testing.T, subtasks ...string) (*Store, afero.Fs, *fakeClock) {
	t.Helper()
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	s := newTestStore(t, fs, clock)
	_, err := s.Create(Meta{Subtasks: subtasks})
	require.NoError(t, err)
	return s, fs, clock
}

func TestStore_Create(t *testing.T) {
	s, fs, clock := createdStore(t, "1.1", "1.2")

	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "story-1", state.BuildID)
	assert.Equal(t, StatusPending, state.Status)
	assert.Equal(t, clock.Now(), state.StartedAt.UTC())
	assert.Equal(t, 2, state.Metrics.TotalSubtasks)
	assert.Empty(t, state.CompletedSubtasks)

	ok, err := afero.Exists(fs, "/state/builds/story-1/state.json")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Create(Meta{})
	assert.ErrorIs(t, err, errors.ErrBuildExists)
}

func TestStore_LoadNotFound(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), newFakeClock())
	_, err := s.Load()
	assert.ErrorIs(t, err, errors.ErrBuildNotFound)
	assert.False(t, s.Exists())
}

func TestStore_SaveCheckpointIdempotent(t *testing.T) {
	s, _, _ := createdStore(t, "1.1", "1.2")

	first, err := s.SaveCheckpoint("1.1", CheckpointMeta{
		FilesModified: []string{"a.go"},
		Duration:      2 * time.Second,
		Attempts:      1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, CheckpointStatusCompleted, first.Status)

	second, err := s.SaveCheckpoint("1.1", CheckpointMeta{Attempts: 5})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1"}, state.CompletedSubtasks)
	assert.Len(t, state.Checkpoints, 1)
	assert.Equal(t, 1, state.Metrics.CompletedSubtasks)
	assert.Equal(t, int64(2000), state.Metrics.AverageSubtaskMs)
	require.NotNil(t, state.LastCheckpoint)

	durable, err := s.ReadCheckpoint(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1", durable.SubtaskID)
	assert.Equal(t, []string{"a.go"}, durable.FilesModified)
}

func TestStore_RecordFailureAttemptNumbers(t *testing.T) {
	s, _, _ := createdStore(t, "1.1", "1.2")

	for i := 1; i <= 3; i++ {
		rec, err := s.RecordFailure("1.1", FailureMeta{Error: fmt.Sprintf("boom %d", i)})
		require.NoError(t, err)
		assert.Equal(t, i, rec.Attempt)
	}
	rec, err := s.RecordFailure("1.2", FailureMeta{Error: "other", Approach: "split the change"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, state.FailedAttempts, 4)
	assert.Equal(t, 4, state.Metrics.FailedAttempts)
	assert.Equal(t, "split the change", state.FailuresFor("1.2")[0].Approach)
}

func TestStore_ConcurrentMutations(t *testing.T) {
	s, _, _ := createdStore(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			_, err := s.SaveCheckpoint(fmt.Sprintf("task-%d", i), CheckpointMeta{Attempts: 1})
			assert.NoError(t, err)
		})
		wg.Go(func() {
			_, err := s.RecordFailure("shared", FailureMeta{Error: "x"})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	state, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, state.CompletedSubtasks, 20)
	assert.Len(t, state.Checkpoints, 20)
	assert.Len(t, state.FailedAttempts, 20)

	seen := map[int]bool{}
	for _, f := range state.FailedAttempts {
		assert.False(t, seen[f.Attempt], "duplicate attempt number %d", f.Attempt)
		seen[f.Attempt] = true
	}
}

func TestStore_DetectAbandonedBoundary(t *testing.T) {
	threshold := time.Hour

	tests := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"just past threshold", threshold + time.Millisecond, true},
		{"exactly at threshold", threshold, false},
		{"just inside threshold", threshold - time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, clock := createdStore(t, "1.1")
			require.NoError(t, s.SetStatus(StatusInProgress))
			_, err := s.SaveCheckpoint("1.1", CheckpointMeta{})
			require.NoError(t, err)

			clock.Set(clock.Now().Add(tt.age))
			got, err := s.DetectAbandoned(threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			state, err := s.Load()
			require.NoError(t, err)
			if tt.want {
				assert.Equal(t, StatusAbandoned, state.Status)
				require.NotEmpty(t, state.Notifications)
				assert.Equal(t, LevelWarning, state.Notifications[len(state.Notifications)-1].Level)
			} else {
				assert.Equal(t, StatusInProgress, state.Status)
			}
		})
	}
}

func TestStore_DetectAbandonedUsesStartedAt(t *testing.T) {
	s, _, clock := createdStore(t)
	require.NoError(t, s.SetStatus(StatusInProgress))

	clock.Set(clock.Now().Add(2 * time.Hour))
	got, err := s.DetectAbandoned(0)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestStore_DetectAbandonedIgnoresOtherStatuses(t *testing.T) {
	s, _, clock := createdStore(t)
	require.NoError(t, s.SetStatus(StatusPaused))

	clock.Set(clock.Now().Add(48 * time.Hour))
	got, err := s.DetectAbandoned(time.Hour)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestStore_ResumeAfterRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	s := newTestStore(t, fs, clock)
	_, err := s.Create(Meta{Subtasks: []string{"1.1", "1.2", "1.3"}})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(StatusInProgress))
	_, err = s.SaveCheckpoint("1.1", CheckpointMeta{})
	require.NoError(t, err)
	_, err = s.SaveCheckpoint("1.2", CheckpointMeta{})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(StatusFailed))

	// A new store over the same filesystem simulates a process restart.
	restarted := NewStore("/state", "story-1", WithFs(fs), WithClock(clock.Now), WithRunID("run-2"))
	info, err := restarted.Resume()
	require.NoError(t, err)

	assert.Equal(t, []string{"1.1", "1.2"}, info.CompletedSubtasks)
	assert.Equal(t, "1.3", info.NextSubtask)
	require.NotNil(t, info.LastCheckpoint)
	assert.Equal(t, "1.2", info.LastCheckpoint.SubtaskID)
	assert.Equal(t, StatusInProgress, info.State.Status)
	assert.Equal(t, 1, info.State.Metrics.ResumeCount)

	entries, err := restarted.AttemptLog()
	require.NoError(t, err)
	runs := map[string]bool{}
	for _, e := range entries {
		runs[e.RunID] = true
	}
	assert.True(t, runs["run-1"])
	assert.True(t, runs["run-2"])
}

func TestStore_ResumeRejectsCompleted(t *testing.T) {
	s, _, _ := createdStore(t)
	require.NoError(t, s.SetStatus(StatusCompleted))

	_, err := s.Resume()
	assert.ErrorIs(t, err, errors.ErrBuildCompleted)
}

func TestStore_SaveUpdatesCheckpointTimestamp(t *testing.T) {
	s, _, clock := createdStore(t)
	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state.LastCheckpoint)

	state.CurrentPhase = "execute"
	require.NoError(t, s.Save(state, SaveOptions{}))
	reloaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "execute", reloaded.CurrentPhase)
	assert.Nil(t, reloaded.LastCheckpoint)

	clock.Set(clock.Now().Add(time.Minute))
	require.NoError(t, s.Save(reloaded, SaveOptions{UpdateCheckpointTimestamp: true}))
	reloaded, err = s.Load()
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastCheckpoint)
	assert.Equal(t, clock.Now(), reloaded.LastCheckpoint.UTC())
}

func TestStore_AttemptLog(t *testing.T) {
	s, _, _ := createdStore(t, "1.1")
	_, err := s.RecordFailure("1.1", FailureMeta{Error: "compile error"})
	require.NoError(t, err)
	_, err = s.SaveCheckpoint("1.1", CheckpointMeta{})
	require.NoError(t, err)
	require.NoError(t, s.RecordAttempt("1.1", "note", "manual"))

	entries, err := s.AttemptLog()
	require.NoError(t, err)

	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
		assert.Equal(t, "run-1", e.RunID)
	}
	assert.Equal(t, []string{"created", "failure", "checkpoint", "note"}, actions)
}

func TestStore_PhasePlanNotifications(t *testing.T) {
	s, _, _ := createdStore(t)
	require.NoError(t, s.SetPhase("execute", "2.1"))
	require.NoError(t, s.SetPlan([]string{"2.1", "2.2"}))
	require.NoError(t, s.AddNotification(LevelInfo, "hello"))
	assert.Error(t, s.SetStatus(Status("bogus")))

	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "execute", state.CurrentPhase)
	assert.Equal(t, "2.1", state.CurrentSubtask)
	assert.Equal(t, 2, state.Metrics.TotalSubtasks)
	assert.Equal(t, "2.1", state.NextSubtask())
	require.Len(t, state.Notifications, 1)
	assert.Equal(t, "hello", state.Notifications[0].Message)
}

func TestStore_Delete(t *testing.T) {
	s, fs, _ := createdStore(t)
	require.NoError(t, s.Delete())

	ok, err := afero.DirExists(fs, "/state/builds/story-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()

	older := NewStore("/state", "a", WithFs(fs), WithClock(clock.Now))
	_, err := older.Create(Meta{})
	require.NoError(t, err)

	clock.Set(clock.Now().Add(time.Hour))
	newer := NewStore("/state", "b", WithFs(fs), WithClock(clock.Now))
	_, err = newer.Create(Meta{})
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, filepath.Join("/state/builds/broken", stateFileName), []byte("{"), 0o644))

	states, err := List(fs, "/state")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "b", states[0].BuildID)
	assert.Equal(t, "a", states[1].BuildID)

	empty, err := List(afero.NewMemMapFs(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_OsFsUsesFileLock(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "story-os")
	_, err := s.Create(Meta{Subtasks: []string{"1"}})
	require.NoError(t, err)
	_, err = s.SaveCheckpoint("1", CheckpointMeta{})
	require.NoError(t, err)

	_, isFlock := s.lock.(*FileLock)
	assert.True(t, isFlock)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, state.CompletedSubtasks)
}
