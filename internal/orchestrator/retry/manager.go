// Package retry drives a single subtask through bounded iterations and keeps
// per-task retry state for reporting.
package retry

import (
	"slices"
	"sync"
)

// TaskState tracks iterations for a task.
type TaskState struct {
	TaskID        string   `json:"task_id"`
	Iterations    int      `json:"iterations"`
	Failures      int      `json:"failures"`
	MaxIterations int      `json:"max_iterations"`
	LastError     string   `json:"last_error,omitempty"`
	DurationsMs   []int64  `json:"durations_ms,omitempty"` // one entry per iteration
	FilesModified []string `json:"files_modified,omitempty"`
	Succeeded     bool     `json:"succeeded,omitempty"`
	TimedOut      bool     `json:"timed_out,omitempty"`
}

func (s *TaskState) clone() *TaskState {
	c := *s
	c.DurationsMs = slices.Clone(s.DurationsMs)
	c.FilesModified = slices.Clone(s.FilesModified)
	return &c
}

// Manager manages retry state for tasks.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*TaskState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*TaskState),
	}
}

// GetOrCreateState returns a copy of the state for a task, creating it with
// maxIterations if absent.
func (m *Manager) GetOrCreateState(taskID string, maxIterations int) *TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		state = &TaskState{
			TaskID:        taskID,
			MaxIterations: maxIterations,
		}
		m.states[taskID] = state
	}
	return state.clone()
}

// GetState returns a copy of the state for a task, or nil if not found.
func (m *Manager) GetState(taskID string) *TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[taskID]; ok {
		return s.clone()
	}
	return nil
}

// ShouldRetry returns whether a task has iterations left.
func (m *Manager) ShouldRetry(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[taskID]
	if !exists {
		return false
	}
	return state.Iterations < state.MaxIterations && !state.Succeeded && !state.TimedOut
}

// RecordAttempt records one finished iteration.
func (m *Manager) RecordAttempt(taskID string, success bool, durationMs int64, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		return
	}

	state.Iterations++
	state.DurationsMs = append(state.DurationsMs, durationMs)
	if success {
		state.Succeeded = true
		return
	}
	state.Failures++
	state.LastError = errMsg
}

// RecordFiles adds files the task modified.
func (m *Manager) RecordFiles(taskID string, files []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		return
	}
	for _, f := range files {
		if !slices.Contains(state.FilesModified, f) {
			state.FilesModified = append(state.FilesModified, f)
		}
	}
}

// MarkTimedOut flags a task stopped by the global build deadline.
func (m *Manager) MarkTimedOut(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, exists := m.states[taskID]; exists {
		state.TimedOut = true
	}
}

// GetFailedTasks returns the IDs of all tasks that exhausted their iterations
// or were stopped without succeeding, sorted.
func (m *Manager) GetFailedTasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for taskID, state := range m.states {
		if !state.Succeeded && (state.TimedOut || state.Iterations >= state.MaxIterations) {
			failed = append(failed, taskID)
		}
	}
	slices.Sort(failed)
	return failed
}

// GetRetryingTasks returns the IDs of all tasks that are still eligible for
// another iteration, sorted.
func (m *Manager) GetRetryingTasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var retrying []string
	for taskID, state := range m.states {
		if !state.Succeeded && !state.TimedOut && state.Iterations < state.MaxIterations {
			retrying = append(retrying, taskID)
		}
	}
	slices.Sort(retrying)
	return retrying
}

// Totals sums iterations and failures across all tasks.
func (m *Manager) Totals() (iterations, failures int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.states {
		iterations += s.Iterations
		failures += s.Failures
	}
	return iterations, failures
}

// Reset clears the retry state for a task.
func (m *Manager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, taskID)
}

// ResetAll clears all retry state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*TaskState)
}

// GetAllStates returns a copy of all task states.
func (m *Manager) GetAllStates() map[string]*TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*TaskState, len(m.states))
	for k, v := range m.states {
		result[k] = v.clone()
	}
	return result
}

// LoadStates replaces all state with a copy of states.
func (m *Manager) LoadStates(states map[string]*TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*TaskState, len(states))
	for k, v := range states {
		if v != nil {
			m.states[k] = v.clone()
		}
	}
}
