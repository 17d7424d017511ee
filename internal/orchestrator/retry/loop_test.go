package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/verify"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
)

func newStore(t *testing.T, subtasks ...string) *checkpoint.Store {
	t.Helper()
	store := checkpoint.NewStore("/state", "story-1", checkpoint.WithFs(afero.NewMemMapFs()))
	_, err := store.Create(checkpoint.Meta{Subtasks: subtasks})
	require.NoError(t, err)
	return store
}

// scripted returns outcomes in order, repeating the last one.
type scripted struct {
	mu       sync.Mutex
	outcomes []executor.Outcome
	calls    []executor.ExecContext
}

func (s *scripted) Execute(_ context.Context, _ executor.Task, ectx executor.ExecContext) (executor.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ectx)
	i := min(len(s.calls)-1, len(s.outcomes)-1)
	return s.outcomes[i], nil
}

type fakeVerifier struct {
	results []verify.Result
	calls   int
}

func (f *fakeVerifier) Verify(context.Context, string, verify.Verification) verify.Result {
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r
}

func TestLoop_SuccessFirstIteration(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: true, FilesModified: []string{"a.go"}}}}

	var events []string
	bus := event.NewBus()
	bus.SubscribeAll(func(e event.Event) { events = append(events, e.EventType()) })

	loop := NewLoop(Config{MaxIterations: 3, StoryID: "story-1"}, exec, store, WithEmitter(bus))
	res := loop.Run(context.Background(), executor.Task{ID: "1.1"})

	require.Equal(t, StatusSuccess, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []string{"a.go"}, res.FilesModified)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, 1, res.Checkpoint.Attempts)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1"}, state.CompletedSubtasks)
	assert.Empty(t, state.FailedAttempts)
	assert.Equal(t, []string{event.TypeSubtaskStarted, event.TypeSubtaskCompleted}, events)

	ts := loop.Manager().GetState("1.1")
	require.NotNil(t, ts)
	assert.True(t, ts.Succeeded)
}

func TestLoop_CritiqueCarriedIntoNextIteration(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{
		{Success: false, Error: "compile error", Output: "main.go:3: undefined: x"},
		{Success: true},
	}}
	var attempts []Attempt
	critic := CriticFunc(func(_ context.Context, _ executor.Task, a Attempt) (string, error) {
		attempts = append(attempts, a)
		return "  declare x before use  ", nil
	})

	loop := NewLoop(Config{MaxIterations: 3}, exec, store, WithCritic(critic))
	res := loop.Run(context.Background(), executor.Task{ID: "1.1"})

	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Iterations)

	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Iteration)
	assert.Contains(t, attempts[0].Error, "compile error")
	assert.Equal(t, "main.go:3: undefined: x", attempts[0].Output)

	require.Len(t, exec.calls, 2)
	assert.Empty(t, exec.calls[0].Critique)
	assert.Equal(t, "declare x before use", exec.calls[1].Critique)
	assert.Contains(t, exec.calls[1].PreviousError, "compile error")
	assert.Equal(t, 2, exec.calls[1].Iteration)

	state, err := store.Load()
	require.NoError(t, err)
	require.Len(t, state.FailedAttempts, 1)
	assert.Equal(t, 1, state.FailedAttempts[0].Attempt)
	// The first failure had no prior critique.
	assert.Empty(t, state.FailedAttempts[0].Approach)
}

func TestLoop_ExhaustsIterations(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: false, Error: "nope"}}}
	critiques := 0
	critic := CriticFunc(func(context.Context, executor.Task, Attempt) (string, error) {
		critiques++
		return "try harder", nil
	})

	loop := NewLoop(Config{MaxIterations: 3}, exec, store, WithCritic(critic))
	res := loop.Run(context.Background(), executor.Task{ID: "1.1"})

	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.ErrorIs(t, res.Err, errors.ErrMaxIterations)
	assert.ErrorIs(t, res.Err, errors.ErrTaskFailed)
	assert.Contains(t, res.Err.Error(), "nope")
	// No critique after the final iteration.
	assert.Equal(t, 2, critiques)

	state, err := store.Load()
	require.NoError(t, err)
	require.Len(t, state.FailedAttempts, 3)
	for i, f := range state.FailedAttempts {
		assert.Equal(t, i+1, f.Attempt)
	}
	assert.Equal(t, "try harder", state.FailedAttempts[2].Approach)
	assert.Empty(t, state.CompletedSubtasks)

	ts := loop.Manager().GetState("1.1")
	require.NotNil(t, ts)
	assert.Equal(t, 3, ts.Failures)
	assert.False(t, loop.Manager().ShouldRetry("1.1"))
}

func TestLoop_ExecutorErrorCountsAsFailure(t *testing.T) {
	store := newStore(t, "1.1")
	calls := 0
	exec := executor.ExecutorFunc(func(context.Context, executor.Task, executor.ExecContext) (executor.Outcome, error) {
		calls++
		if calls == 1 {
			return executor.Outcome{}, errors.New("worker crashed")
		}
		return executor.Outcome{Success: true}, nil
	})

	res := NewLoop(Config{MaxIterations: 2}, exec, store).Run(context.Background(), executor.Task{ID: "1.1"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Iterations)
}

func TestLoop_SubtaskTimeoutIsIterationFailure(t *testing.T) {
	store := newStore(t, "1.1")
	var calls atomic.Int32
	exec := executor.ExecutorFunc(func(ctx context.Context, _ executor.Task, _ executor.ExecContext) (executor.Outcome, error) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			return executor.Outcome{Success: true}, nil
		}
		return executor.Outcome{Success: true}, nil
	})

	loop := NewLoop(Config{MaxIterations: 2, SubtaskTimeout: 50 * time.Millisecond}, exec, store)
	res := loop.Run(context.Background(), executor.Task{ID: "1.1"})

	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Iterations)

	state, err := store.Load()
	require.NoError(t, err)
	require.Len(t, state.FailedAttempts, 1)
	assert.Contains(t, state.FailedAttempts[0].Error, "timed out")
}

func TestLoop_GlobalTimeoutKeepsPriorCheckpoints(t *testing.T) {
	store := newStore(t, "1.1", "1.2")
	exec := executor.ExecutorFunc(func(ctx context.Context, task executor.Task, _ executor.ExecContext) (executor.Outcome, error) {
		if task.ID == "1.1" {
			return executor.Outcome{Success: true}, nil
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return executor.Outcome{Success: true}, nil
	})

	loop := NewLoop(Config{MaxIterations: 3, GlobalTimeout: 200 * time.Millisecond}, exec, store)
	first := loop.Run(context.Background(), executor.Task{ID: "1.1"})
	require.Equal(t, StatusSuccess, first.Status)

	start := time.Now()
	res := loop.Run(context.Background(), executor.Task{ID: "1.2"})
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Equal(t, StatusTimeout, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrGlobalTimeout)
	assert.Equal(t, 1, res.Iterations)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1"}, state.CompletedSubtasks)
	require.Len(t, state.Checkpoints, 1)
	assert.Equal(t, "1.1", state.Checkpoints[0].SubtaskID)

	ts := loop.Manager().GetState("1.2")
	require.NotNil(t, ts)
	assert.True(t, ts.TimedOut)
}

func TestLoop_GlobalDeadlineAlreadyPassed(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: true}}}
	cfg := Config{GlobalTimeout: time.Second, BuildStart: time.Now().Add(-2 * time.Second)}

	res := NewLoop(cfg, exec, store).Run(context.Background(), executor.Task{ID: "1.1"})
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Empty(t, exec.calls)
}

func TestLoop_VerificationFailureIsIterationFailure(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: true}}}
	v := &fakeVerifier{results: []verify.Result{
		{Passed: false, Reason: "exit status 1", Output: "--- FAIL: TestX"},
		{Passed: true},
	}}
	task := executor.Task{ID: "1.1", Verification: verify.Verification{TestCommand: "go test ./..."}}

	res := NewLoop(Config{MaxIterations: 3}, exec, store, WithVerifier(v)).Run(context.Background(), task)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, v.calls)

	state, err := store.Load()
	require.NoError(t, err)
	require.Len(t, state.FailedAttempts, 1)
	assert.Contains(t, state.FailedAttempts[0].Error, "verification failed")
	assert.Contains(t, state.FailedAttempts[0].Error, "--- FAIL: TestX")
}

func TestLoop_SkipsVerificationWithoutCommands(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: true}}}
	v := &fakeVerifier{results: []verify.Result{{Passed: false}}}

	res := NewLoop(Config{}, exec, store, WithVerifier(v)).Run(context.Background(), executor.Task{ID: "1.1"})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Zero(t, v.calls)
}

func TestLoop_Cancelled(t *testing.T) {
	store := newStore(t, "1.1")
	ctx, cancel := context.WithCancel(context.Background())
	exec := executor.ExecutorFunc(func(ctx context.Context, _ executor.Task, _ executor.ExecContext) (executor.Outcome, error) {
		cancel()
		<-ctx.Done()
		return executor.Outcome{}, ctx.Err()
	})

	res := NewLoop(Config{MaxIterations: 5}, exec, store).Run(ctx, executor.Task{ID: "1.1"})
	assert.Equal(t, StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrCancelled)
	assert.Equal(t, 1, res.Iterations)
}

func TestLoop_CancelledDuringVerificationSavesNoCheckpoint(t *testing.T) {
	store := newStore(t, "1.1")
	ctx, cancel := context.WithCancel(context.Background())
	exec := &scripted{outcomes: []executor.Outcome{{Success: true, FilesModified: []string{"a.go"}}}}
	v := verifierFunc(func() verify.Result {
		cancel()
		return verify.Result{Passed: true}
	})
	task := executor.Task{ID: "1.1", Verification: verify.Verification{Command: "make"}}

	res := NewLoop(Config{MaxIterations: 3}, exec, store, WithVerifier(v)).Run(ctx, task)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, errors.ErrCancelled)
	assert.Nil(t, res.Checkpoint)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, state.CompletedSubtasks)
}

type verifierFunc func() verify.Result

func (f verifierFunc) Verify(context.Context, string, verify.Verification) verify.Result { return f() }

func TestLoop_DeferCheckpointLeavesSubtaskOpen(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: true, FilesModified: []string{"a.go"}}}}

	res := NewLoop(Config{MaxIterations: 2, DeferCheckpoint: true}, exec, store).Run(context.Background(), executor.Task{ID: "1.1"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Nil(t, res.Checkpoint)
	assert.Equal(t, []string{"a.go"}, res.FilesModified)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, state.CompletedSubtasks)
	assert.False(t, state.IsCompleted("1.1"))
}

func TestLoop_CriticGoesThroughLimiter(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: false, Error: "boom"}, {Success: true}}}
	var critiques int
	critic := CriticFunc(func(context.Context, executor.Task, Attempt) (string, error) {
		critiques++
		return "retry differently", nil
	})
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	res := NewLoop(Config{MaxIterations: 2}, exec, store, WithCritic(critic), WithLimiter(limiter)).
		Run(context.Background(), executor.Task{ID: "1.1"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, critiques)
	// two worker calls and one critique
	assert.Equal(t, 3, limiter.Stats().Calls)
}

func TestLoop_CriticErrorIsIgnored(t *testing.T) {
	store := newStore(t, "1.1")
	exec := &scripted{outcomes: []executor.Outcome{{Success: false}, {Success: true}}}
	critic := CriticFunc(func(context.Context, executor.Task, Attempt) (string, error) {
		return "", errors.New("critic unavailable")
	})

	res := NewLoop(Config{MaxIterations: 2}, exec, store, WithCritic(critic)).Run(context.Background(), executor.Task{ID: "1.1"})
	require.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, exec.calls[1].Critique)
}

func TestNewLoop_Defaults(t *testing.T) {
	loop := NewLoop(Config{}, &scripted{}, nil)
	assert.Equal(t, DefaultMaxIterations, loop.Config().MaxIterations)
	assert.False(t, loop.Config().BuildStart.IsZero())
	assert.NotNil(t, loop.Manager())
}
