// Package event defines the events a build publishes while it runs.
// Producers (orchestrator, scheduler, retry loop) publish through an Emitter
// and never depend on who is listening.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "build.started", "wave.completed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// DataEvent is implemented by events that can describe themselves as a flat
// map. Forwarders use it to serialize events without a type switch.
type DataEvent interface {
	Event
	Data() map[string]any
}

// Event type names.
const (
	TypeBuildStarted = "build.started"
	TypeBuildQueued  = "build.queued"
	TypeBuildSuccess = "build.success"
	TypeBuildFailed  = "build.failed"
	TypeBuildTimeout = "build.timeout"
	TypeBuildPaused  = "build.paused"

	TypePhaseStarted   = "phase.started"
	TypePhaseCompleted = "phase.completed"
	TypePhaseFailed    = "phase.failed"

	TypeSubtaskStarted   = "subtask.started"
	TypeSubtaskCompleted = "subtask.completed"
	TypeSubtaskFailed    = "subtask.failed"

	TypeWaveStarted   = "wave.started"
	TypeWaveCompleted = "wave.completed"

	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"

	TypeMergeStarted   = "merge.started"
	TypeMergeCompleted = "merge.completed"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

func putIf(m map[string]any, key string, value any, ok bool) {
	if ok {
		m[key] = value
	}
}

// -----------------------------------------------------------------------------
// Build Lifecycle Events
// -----------------------------------------------------------------------------

// BuildEvent reports a change in the overall build lifecycle.
type BuildEvent struct {
	baseEvent
	BuildID  string
	Phase    string        // Phase the build was in (terminal events only)
	Duration time.Duration // Elapsed build time (terminal events only)
	Error    string
}

// NewBuildEvent creates a BuildEvent of the given build.* type.
func NewBuildEvent(eventType, buildID string) BuildEvent {
	return BuildEvent{baseEvent: newBaseEvent(eventType), BuildID: buildID}
}

// NewBuildFinishedEvent creates a terminal build event carrying the final phase and duration.
func NewBuildFinishedEvent(eventType, buildID, phase string, duration time.Duration, err error) BuildEvent {
	e := NewBuildEvent(eventType, buildID)
	e.Phase = phase
	e.Duration = duration
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Data implements DataEvent.
func (e BuildEvent) Data() map[string]any {
	m := map[string]any{"build_id": e.BuildID}
	putIf(m, "phase", e.Phase, e.Phase != "")
	putIf(m, "duration_ms", e.Duration.Milliseconds(), e.Duration > 0)
	putIf(m, "error", e.Error, e.Error != "")
	return m
}

// PhaseEvent reports a phase transition of the build state machine.
type PhaseEvent struct {
	baseEvent
	BuildID  string
	Phase    string
	Duration time.Duration
	Error    string
}

// NewPhaseStartedEvent creates a phase.started event.
func NewPhaseStartedEvent(buildID, phase string) PhaseEvent {
	return PhaseEvent{baseEvent: newBaseEvent(TypePhaseStarted), BuildID: buildID, Phase: phase}
}

// NewPhaseFinishedEvent creates phase.completed, or phase.failed when err is non-nil.
func NewPhaseFinishedEvent(buildID, phase string, duration time.Duration, err error) PhaseEvent {
	e := PhaseEvent{baseEvent: newBaseEvent(TypePhaseCompleted), BuildID: buildID, Phase: phase, Duration: duration}
	if err != nil {
		e.eventType = TypePhaseFailed
		e.Error = err.Error()
	}
	return e
}

// Data implements DataEvent.
func (e PhaseEvent) Data() map[string]any {
	m := map[string]any{"build_id": e.BuildID, "phase": e.Phase}
	putIf(m, "duration_ms", e.Duration.Milliseconds(), e.Duration > 0)
	putIf(m, "error", e.Error, e.Error != "")
	return m
}

// -----------------------------------------------------------------------------
// Subtask Events
// -----------------------------------------------------------------------------

// SubtaskEvent reports progress of one subtask through the retry loop.
type SubtaskEvent struct {
	baseEvent
	BuildID       string
	SubtaskID     string
	Iteration     int
	FilesModified []string
	Error         string
}

// NewSubtaskStartedEvent creates a subtask.started event for one iteration.
func NewSubtaskStartedEvent(buildID, subtaskID string, iteration int) SubtaskEvent {
	return SubtaskEvent{
		baseEvent: newBaseEvent(TypeSubtaskStarted),
		BuildID:   buildID,
		SubtaskID: subtaskID,
		Iteration: iteration,
	}
}

// NewSubtaskCompletedEvent creates a subtask.completed event.
func NewSubtaskCompletedEvent(buildID, subtaskID string, iteration int, files []string) SubtaskEvent {
	return SubtaskEvent{
		baseEvent:     newBaseEvent(TypeSubtaskCompleted),
		BuildID:       buildID,
		SubtaskID:     subtaskID,
		Iteration:     iteration,
		FilesModified: files,
	}
}

// NewSubtaskFailedEvent creates a subtask.failed event.
func NewSubtaskFailedEvent(buildID, subtaskID string, iteration int, err error) SubtaskEvent {
	e := SubtaskEvent{
		baseEvent: newBaseEvent(TypeSubtaskFailed),
		BuildID:   buildID,
		SubtaskID: subtaskID,
		Iteration: iteration,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Data implements DataEvent.
func (e SubtaskEvent) Data() map[string]any {
	m := map[string]any{
		"build_id":   e.BuildID,
		"subtask_id": e.SubtaskID,
		"iteration":  e.Iteration,
	}
	putIf(m, "files_modified", e.FilesModified, len(e.FilesModified) > 0)
	putIf(m, "error", e.Error, e.Error != "")
	return m
}

// -----------------------------------------------------------------------------
// Wave Events
// -----------------------------------------------------------------------------

// WaveEvent reports the start or end of a wave.
type WaveEvent struct {
	baseEvent
	WaveIndex int
	TaskCount int
	Succeeded int
	Failed    int
	Success   bool
	Duration  time.Duration
}

// NewWaveStartedEvent creates a wave.started event.
func NewWaveStartedEvent(index, taskCount int) WaveEvent {
	return WaveEvent{baseEvent: newBaseEvent(TypeWaveStarted), WaveIndex: index, TaskCount: taskCount}
}

// NewWaveCompletedEvent creates a wave.completed event.
func NewWaveCompletedEvent(index, succeeded, failed int, success bool, duration time.Duration) WaveEvent {
	return WaveEvent{
		baseEvent: newBaseEvent(TypeWaveCompleted),
		WaveIndex: index,
		TaskCount: succeeded + failed,
		Succeeded: succeeded,
		Failed:    failed,
		Success:   success,
		Duration:  duration,
	}
}

// Data implements DataEvent.
func (e WaveEvent) Data() map[string]any {
	m := map[string]any{"wave": e.WaveIndex, "task_count": e.TaskCount}
	if e.eventType == TypeWaveCompleted {
		m["succeeded"] = e.Succeeded
		m["failed"] = e.Failed
		m["success"] = e.Success
		m["duration_ms"] = e.Duration.Milliseconds()
	}
	return m
}

// TaskEvent reports one task inside a wave.
type TaskEvent struct {
	baseEvent
	WaveIndex int
	TaskID    string
	Success   bool
	Cancelled bool
	Duration  time.Duration
	Error     string
}

// NewTaskStartedEvent creates a task.started event.
func NewTaskStartedEvent(waveIndex int, taskID string) TaskEvent {
	return TaskEvent{baseEvent: newBaseEvent(TypeTaskStarted), WaveIndex: waveIndex, TaskID: taskID}
}

// NewTaskCompletedEvent creates a task.completed event.
func NewTaskCompletedEvent(waveIndex int, taskID string, success, cancelled bool, duration time.Duration, err error) TaskEvent {
	e := TaskEvent{
		baseEvent: newBaseEvent(TypeTaskCompleted),
		WaveIndex: waveIndex,
		TaskID:    taskID,
		Success:   success,
		Cancelled: cancelled,
		Duration:  duration,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Data implements DataEvent.
func (e TaskEvent) Data() map[string]any {
	m := map[string]any{"wave": e.WaveIndex, "task_id": e.TaskID}
	if e.eventType == TypeTaskCompleted {
		m["success"] = e.Success
		m["duration_ms"] = e.Duration.Milliseconds()
		putIf(m, "cancelled", true, e.Cancelled)
		putIf(m, "error", e.Error, e.Error != "")
	}
	return m
}

// -----------------------------------------------------------------------------
// Merge Events
// -----------------------------------------------------------------------------

// MergeEvent reports conflict resolution for one wave.
type MergeEvent struct {
	baseEvent
	BuildID   string
	WaveIndex int
	Files     []string
	Decisions map[string]string // file -> decision (completed events only)
}

// NewMergeStartedEvent creates a merge.started event.
func NewMergeStartedEvent(buildID string, waveIndex int, files []string) MergeEvent {
	return MergeEvent{baseEvent: newBaseEvent(TypeMergeStarted), BuildID: buildID, WaveIndex: waveIndex, Files: files}
}

// NewMergeCompletedEvent creates a merge.completed event.
func NewMergeCompletedEvent(buildID string, waveIndex int, decisions map[string]string) MergeEvent {
	files := make([]string, 0, len(decisions))
	for f := range decisions {
		files = append(files, f)
	}
	return MergeEvent{
		baseEvent: newBaseEvent(TypeMergeCompleted),
		BuildID:   buildID,
		WaveIndex: waveIndex,
		Files:     files,
		Decisions: decisions,
	}
}

// Data implements DataEvent.
func (e MergeEvent) Data() map[string]any {
	m := map[string]any{"build_id": e.BuildID, "wave": e.WaveIndex, "files": len(e.Files)}
	putIf(m, "decisions", e.Decisions, len(e.Decisions) > 0)
	return m
}
