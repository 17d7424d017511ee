package phase

import (
	"sync"
	"time"
)

// ChangeCallback is called after every successful transition.
type ChangeCallback func(from, to Phase, reason string)

// Machine tracks the current phase of one build run. It is safe for
// concurrent use; callbacks run synchronously after the lock is released.
type Machine struct {
	mu        sync.RWMutex
	current   Phase
	history   []Transition
	failed    map[Phase]string
	callbacks []ChangeCallback
	now       func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine in PhaseInit.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		current: PhaseInit,
		failed:  make(map[Phase]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = []Transition{{To: PhaseInit, Timestamp: m.now()}}
	return m
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransitionTo reports whether TransitionTo(to) would succeed.
func (m *Machine) CanTransitionTo(to Phase) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CanTransition(m.current, to)
}

// OnChange registers a callback invoked after each transition.
func (m *Machine) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// TransitionTo moves to phase to.
func (m *Machine) TransitionTo(to Phase) error {
	return m.transition(to, "", false)
}

// Fail records err against the current phase and jumps to PhaseReport.
func (m *Machine) Fail(err error) error {
	reason := "failed"
	if err != nil {
		reason = err.Error()
	}
	return m.transition(PhaseReport, reason, true)
}

func (m *Machine) transition(to Phase, reason string, failing bool) error {
	m.mu.Lock()
	from := m.current
	switch {
	case from.IsTerminal():
		m.mu.Unlock()
		return NewTransitionError(from, to, ErrTerminalPhase)
	case from == to:
		m.mu.Unlock()
		return NewTransitionError(from, to, ErrAlreadyInPhase)
	case !CanTransition(from, to):
		m.mu.Unlock()
		return NewTransitionError(from, to, ErrInvalidTransition)
	}
	if failing {
		m.failed[from] = reason
	}
	m.current = to
	m.history = append(m.history, Transition{From: from, To: to, Timestamp: m.now(), Reason: reason})
	callbacks := append([]ChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(from, to, reason)
	}
	return nil
}

// History returns the ordered transitions, starting with the initial phase.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// Timings returns how long each entered non-terminal phase lasted, in
// order. The current phase is measured up to now.
func (m *Machine) Timings() []Timing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Timing, 0, len(m.history))
	for i, t := range m.history {
		if t.To.IsTerminal() {
			continue
		}
		end := m.now()
		if i+1 < len(m.history) {
			end = m.history[i+1].Timestamp
		}
		out = append(out, Timing{
			Phase:    t.To,
			Start:    t.Timestamp,
			Duration: end.Sub(t.Timestamp),
			Err:      m.failed[t.To],
		})
	}
	return out
}

// FailedPhase returns the phase whose failure sent the build to report.
func (m *Machine) FailedPhase() (Phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if _, ok := m.failed[m.history[i].To]; ok {
			return m.history[i].To, true
		}
	}
	return "", false
}
