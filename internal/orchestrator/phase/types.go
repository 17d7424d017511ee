// Package phase provides the lifecycle state machine of a build.
// It defines the phases a build moves through, which transitions between
// them are valid, and a Machine that records the transition history.
package phase

import (
	"errors"
	"slices"
	"time"
)

// Phase represents a discrete stage in the build lifecycle.
type Phase string

const (
	// PhaseInit creates or reopens the persisted build state.
	PhaseInit Phase = "init"

	// PhaseWorktree prepares the build's isolated worktree and branch.
	PhaseWorktree Phase = "worktree"

	// PhasePlan loads and validates the plan.
	PhasePlan Phase = "plan"

	// PhaseExecute runs the subtasks through the retry loop, in waves when
	// the plan allows parallelism.
	PhaseExecute Phase = "execute"

	// PhaseVerify re-runs the subtasks' verification on the integrated result.
	PhaseVerify Phase = "verify"

	// PhaseMerge merges the build branch into the target branch.
	PhaseMerge Phase = "merge"

	// PhaseCleanup removes worktrees and branches that are no longer needed.
	PhaseCleanup Phase = "cleanup"

	// PhaseReport writes the build report. Every run ends here, including
	// failed ones.
	PhaseReport Phase = "report"

	// PhaseComplete indicates the build succeeded.
	PhaseComplete Phase = "complete"

	// PhaseFailed indicates the build stopped on an error.
	PhaseFailed Phase = "failed"
)

// AllPhases returns all defined phases in lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhaseInit,
		PhaseWorktree,
		PhasePlan,
		PhaseExecute,
		PhaseVerify,
		PhaseMerge,
		PhaseCleanup,
		PhaseReport,
		PhaseComplete,
		PhaseFailed,
	}
}

// IsTerminal returns true if the phase is a terminal state (Complete or Failed).
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// ValidTransitions defines which phase transitions are allowed besides the
// report escape hatch described on CanTransition.
var ValidTransitions = map[Phase][]Phase{
	PhaseInit:     {PhaseWorktree},
	PhaseWorktree: {PhasePlan},
	PhasePlan:     {PhaseExecute},

	PhaseExecute: {
		PhaseVerify,  // Normal flow
		PhaseMerge,   // Verification disabled
		PhaseCleanup, // Verification and merge disabled
	},
	PhaseVerify: {
		PhaseMerge,   // Normal flow
		PhaseCleanup, // Merge disabled
	},
	PhaseMerge:   {PhaseCleanup},
	PhaseCleanup: {PhaseReport},

	PhaseReport: {PhaseComplete, PhaseFailed},

	// Terminal states: no transitions out
	PhaseComplete: {},
	PhaseFailed:   {},
}

// CanTransition checks whether a transition from one phase to another is
// valid. Any non-terminal phase may jump to PhaseReport so that a failing
// build still writes its report, and to PhaseFailed when even that is not
// possible.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == PhaseReport || to == PhaseFailed {
		return true
	}
	return slices.Contains(ValidTransitions[from], to)
}

// Common errors for phase transitions.
var (
	// ErrInvalidTransition indicates an attempted transition that is not allowed.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrAlreadyInPhase indicates an attempt to transition to the current phase.
	ErrAlreadyInPhase = errors.New("already in requested phase")

	// ErrTerminalPhase indicates an attempt to transition from a terminal phase.
	ErrTerminalPhase = errors.New("cannot transition from terminal phase")
)

// TransitionError wraps transition failures with additional context.
type TransitionError struct {
	From Phase
	To   Phase
	Err  error
}

func (e *TransitionError) Error() string {
	return "phase transition from " + string(e.From) + " to " + string(e.To) + " failed: " + e.Err.Error()
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Phase, err error) *TransitionError {
	return &TransitionError{From: from, To: to, Err: err}
}

// Transition captures metadata about a single phase transition.
type Transition struct {
	// From is the source phase. Empty for the initial phase.
	From Phase `json:"from,omitempty"`

	// To is the destination phase of the transition.
	To Phase `json:"to"`

	// Timestamp records when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// Reason holds the error that sent the build to PhaseReport early.
	Reason string `json:"reason,omitempty"`
}

// Timing is the time spent in one phase.
type Timing struct {
	Phase    Phase
	Start    time.Time
	Duration time.Duration
	Err      string
}
