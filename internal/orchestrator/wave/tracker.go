package wave

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
)

// tracked is one task known to the Tracker.
type tracked struct {
	wave      int
	status    executor.TaskStatus
	startedAt time.Time
	cancel    context.CancelFunc
}

// Tracker holds the set of active tasks for a scheduler run.
// It records which wave each task belongs to and whether the task is pending,
// running or settled. A Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*tracked
	order map[int][]string
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tasks: make(map[string]*tracked),
		order: make(map[int][]string),
		now:   time.Now,
	}
}

// AddPending registers the tasks of a wave as pending.
func (t *Tracker) AddPending(wave int, ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.tasks[id]; ok {
			continue
		}
		t.tasks[id] = &tracked{wave: wave, status: executor.TaskStatusPending}
		t.order[wave] = append(t.order[wave], id)
	}
}

// Start marks a task running. It returns false when the task was already
// cancelled, in which case the caller must not dispatch it.
func (t *Tracker) Start(wave int, id string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tt, ok := t.tasks[id]
	if !ok {
		tt = &tracked{wave: wave}
		t.tasks[id] = tt
		t.order[wave] = append(t.order[wave], id)
	}
	if tt.status == executor.TaskStatusCancelled {
		return false
	}
	tt.status = executor.TaskStatusRunning
	tt.startedAt = t.now()
	tt.cancel = cancel
	return true
}

// Stop settles a task. A task that was cancelled stays cancelled.
func (t *Tracker) Stop(id string, status executor.TaskStatus) executor.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	tt, ok := t.tasks[id]
	if !ok {
		return status
	}
	tt.cancel = nil
	if tt.status == executor.TaskStatusCancelled {
		return tt.status
	}
	tt.status = status
	return status
}

// CancelAll marks every pending and running task cancelled and signals the
// running ones. It returns the ids that were cancelled, sorted.
func (t *Tracker) CancelAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, tt := range t.tasks {
		if tt.status.IsTerminal() {
			continue
		}
		tt.status = executor.TaskStatusCancelled
		if tt.cancel != nil {
			tt.cancel()
			tt.cancel = nil
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Status returns the tracked status of a task.
func (t *Tracker) Status(id string) (executor.TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tt, ok := t.tasks[id]
	if !ok {
		return "", false
	}
	return tt.status, true
}

// Active returns the ids of running tasks, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, tt := range t.tasks {
		if tt.status == executor.TaskStatusRunning {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Status is a snapshot of one wave's tasks.
type Status struct {
	WaveIndex    int
	TotalTasks   int
	Running      int
	Completed    int
	Failed       int
	Cancelled    int
	Pending      int
	SucceededIDs []string
	FailedIDs    []string
	PendingIDs   []string
}

// IsComplete reports whether every task of the wave has settled.
func (s Status) IsComplete() bool {
	return s.TotalTasks > 0 && s.Pending == 0 && s.Running == 0
}

// HasPartialFailure reports whether the wave has at least one success and at
// least one failure.
func (s Status) HasPartialFailure() bool {
	return s.Completed > 0 && s.Failed > 0
}

// WaveStatus returns the status of the given wave. Ids keep their
// registration order.
func (t *Tracker) WaveStatus(wave int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.order[wave]
	st := Status{
		WaveIndex:    wave,
		TotalTasks:   len(ids),
		SucceededIDs: make([]string, 0),
		FailedIDs:    make([]string, 0),
		PendingIDs:   make([]string, 0),
	}
	for _, id := range ids {
		switch t.tasks[id].status {
		case executor.TaskStatusComplete:
			st.Completed++
			st.SucceededIDs = append(st.SucceededIDs, id)
		case executor.TaskStatusFailed:
			st.Failed++
			st.FailedIDs = append(st.FailedIDs, id)
		case executor.TaskStatusCancelled:
			st.Cancelled++
			st.FailedIDs = append(st.FailedIDs, id)
		case executor.TaskStatusRunning:
			st.Running++
		default:
			st.Pending++
			st.PendingIDs = append(st.PendingIDs, id)
		}
	}
	return st
}

// Reset forgets every task.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.tasks)
	clear(t.order)
}
