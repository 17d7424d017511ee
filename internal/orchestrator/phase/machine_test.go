package phase

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseInit, PhaseWorktree, true},
		{PhaseInit, PhasePlan, false},
		{PhaseExecute, PhaseVerify, true},
		{PhaseExecute, PhaseMerge, true},
		{PhaseExecute, PhaseCleanup, true},
		{PhaseVerify, PhaseCleanup, true},
		{PhaseMerge, PhaseVerify, false},
		{PhasePlan, PhaseReport, true},
		{PhaseInit, PhaseFailed, true},
		{PhaseReport, PhaseComplete, true},
		{PhaseReport, PhaseReport, false},
		{PhaseComplete, PhaseReport, false},
		{PhaseFailed, PhaseInit, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidTransitionsCoversAllPhases(t *testing.T) {
	for _, p := range AllPhases() {
		_, ok := ValidTransitions[p]
		assert.True(t, ok, "missing transitions for %s", p)
	}
}

func fakeClock(start time.Time, step time.Duration) func() time.Time {
	cur := start
	return func() time.Time {
		now := cur
		cur = cur.Add(step)
		return now
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine(WithClock(fakeClock(time.Unix(0, 0), time.Second)))

	var seen []Phase
	m.OnChange(func(_, to Phase, _ string) { seen = append(seen, to) })

	for _, p := range []Phase{PhaseWorktree, PhasePlan, PhaseExecute, PhaseVerify, PhaseMerge, PhaseCleanup, PhaseReport, PhaseComplete} {
		require.NoError(t, m.TransitionTo(p))
	}
	assert.Equal(t, PhaseComplete, m.Current())
	assert.Len(t, seen, 8)
	assert.Len(t, m.History(), 9)

	timings := m.Timings()
	require.Len(t, timings, 8)
	assert.Equal(t, PhaseInit, timings[0].Phase)
	assert.Equal(t, time.Second, timings[0].Duration)

	_, failed := m.FailedPhase()
	assert.False(t, failed)
}

func TestMachine_InvalidTransition(t *testing.T) {
	m := NewMachine()
	err := m.TransitionTo(PhaseMerge)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, PhaseInit, te.From)
	assert.Equal(t, PhaseMerge, te.To)

	assert.ErrorIs(t, m.TransitionTo(PhaseInit), ErrAlreadyInPhase)
	assert.Equal(t, PhaseInit, m.Current())
}

func TestMachine_FailJumpsToReport(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.TransitionTo(PhaseWorktree))
	require.NoError(t, m.TransitionTo(PhasePlan))
	require.NoError(t, m.Fail(errors.New("plan not found")))

	assert.Equal(t, PhaseReport, m.Current())
	p, ok := m.FailedPhase()
	require.True(t, ok)
	assert.Equal(t, PhasePlan, p)

	hist := m.History()
	assert.Equal(t, "plan not found", hist[len(hist)-1].Reason)

	require.NoError(t, m.TransitionTo(PhaseFailed))
	assert.ErrorIs(t, m.TransitionTo(PhaseReport), ErrTerminalPhase)

	var planTiming Timing
	for _, tm := range m.Timings() {
		if tm.Phase == PhasePlan {
			planTiming = tm
		}
	}
	assert.Equal(t, "plan not found", planTiming.Err)
}

func TestPhase_IsTerminal(t *testing.T) {
	assert.True(t, PhaseComplete.IsTerminal())
	assert.True(t, PhaseFailed.IsTerminal())
	assert.False(t, PhaseReport.IsTerminal())
	assert.Equal(t, "merge", PhaseMerge.String())
}
