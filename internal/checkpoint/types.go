package checkpoint

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a build.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusAbandoned  Status = "abandoned"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused, StatusAbandoned, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether s ends the build.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BuildState is the persisted progress of one build run.
type BuildState struct {
	BuildID           string            `json:"buildId"`
	Status            Status            `json:"status"`
	StartedAt         time.Time         `json:"startedAt"`
	LastCheckpoint    *time.Time        `json:"lastCheckpoint,omitempty"`
	CurrentPhase      string            `json:"currentPhase"`
	CurrentSubtask    string            `json:"currentSubtask,omitempty"`
	Subtasks          []string          `json:"subtasks,omitempty"` // planned execution order
	CompletedSubtasks []string          `json:"completedSubtasks"`
	FailedAttempts    []FailureRecord   `json:"failedAttempts"`
	Checkpoints       []Checkpoint      `json:"checkpoints"`
	Metrics           Metrics           `json:"metrics"`
	Notifications     []Notification    `json:"notifications"`
	Meta              map[string]string `json:"meta,omitempty"`
}

// IsCompleted reports whether subtaskID has a successful checkpoint.
func (s *BuildState) IsCompleted(subtaskID string) bool {
	return slices.Contains(s.CompletedSubtasks, subtaskID)
}

// LastCheckpointRecord returns the most recent checkpoint, or nil.
func (s *BuildState) LastCheckpointRecord() *Checkpoint {
	if len(s.Checkpoints) == 0 {
		return nil
	}
	cp := s.Checkpoints[len(s.Checkpoints)-1]
	return &cp
}

// NextSubtask returns the first planned subtask without a checkpoint.
// It returns "" when the plan is unknown or fully complete.
func (s *BuildState) NextSubtask() string {
	for _, id := range s.Subtasks {
		if !s.IsCompleted(id) {
			return id
		}
	}
	return ""
}

// FailuresFor returns the failure records for one subtask in attempt order.
func (s *BuildState) FailuresFor(subtaskID string) []FailureRecord {
	var out []FailureRecord
	for _, f := range s.FailedAttempts {
		if f.SubtaskID == subtaskID {
			out = append(out, f)
		}
	}
	return out
}

// lastActivity is the reference time for abandoned detection.
func (s *BuildState) lastActivity() time.Time {
	if s.LastCheckpoint != nil {
		return *s.LastCheckpoint
	}
	return s.StartedAt
}

// Checkpoint is immutable proof that a subtask completed.
type Checkpoint struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SubtaskID     string    `json:"subtaskId"`
	Status        string    `json:"status"`
	FilesModified []string  `json:"filesModified"`
	DurationMs    int64     `json:"durationMs"`
	Attempts      int       `json:"attempts"`
}

// CheckpointStatusCompleted is the only status a persisted checkpoint carries.
const CheckpointStatusCompleted = "completed"

// CheckpointMeta describes a completed subtask.
type CheckpointMeta struct {
	FilesModified []string
	Duration      time.Duration
	Attempts      int
}

// FailureRecord is one failed iteration of a subtask.
type FailureRecord struct {
	SubtaskID string    `json:"subtaskId"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Approach  string    `json:"approach,omitempty"`
}

// FailureMeta describes a failed iteration.
type FailureMeta struct {
	Error    string
	Approach string
}

// Notification is a human-facing message attached to a build.
type Notification struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Metrics are running counters for a build.
type Metrics struct {
	TotalSubtasks     int   `json:"totalSubtasks"`
	CompletedSubtasks int   `json:"completedSubtasks"`
	FailedAttempts    int   `json:"failedAttempts"`
	TotalSubtaskMs    int64 `json:"totalSubtaskMs"`
	AverageSubtaskMs  int64 `json:"averageSubtaskMs"`
	FilesModified     int   `json:"filesModified"`
	ResumeCount       int   `json:"resumeCount"`
}

// Meta seeds a new build.
type Meta struct {
	Subtasks []string
	Phase    string
	Values   map[string]string
}

// SaveOptions controls Save.
type SaveOptions struct {
	// UpdateCheckpointTimestamp stamps LastCheckpoint with the current time.
	UpdateCheckpointTimestamp bool
}

// ResumeInfo is returned by Store.Resume.
type ResumeInfo struct {
	State             *BuildState
	LastCheckpoint    *Checkpoint
	NextSubtask       string
	CompletedSubtasks []string
}
