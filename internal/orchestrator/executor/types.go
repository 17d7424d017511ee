// Package executor defines the task execution contract shared by the retry
// loop, the wave scheduler and the worker adapters.
package executor

import (
	"context"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/orchestrator/verify"
)

// TaskStatus represents the execution state of a task inside a wave.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is currently being executed
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusComplete indicates the task finished successfully
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusFailed indicates the task failed or timed out
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the result was discarded by a cancellation
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is the smallest unit of work dispatched to the external worker.
// Tasks are immutable once created.
type Task struct {
	// ID uniquely identifies the task within a build
	ID string `json:"id" yaml:"id"`

	// Title is a short human-readable name for the task
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Description contains the instructions passed to the worker
	Description string `json:"description" yaml:"description"`

	// Files lists the files the task is expected to touch
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// Critical marks a task whose failure fails its wave
	Critical bool `json:"critical,omitempty" yaml:"critical,omitempty"`

	// Verification is run after the worker reports success
	Verification verify.Verification `json:"verification,omitempty" yaml:"verification,omitempty"`

	// Context carries extra key/value hints rendered into the prompt
	Context map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
}

// Wave is a batch of independent tasks scheduled together.
type Wave struct {
	Index int
	Tasks []Task
}

// ExecContext is passed to the worker on every iteration.
type ExecContext struct {
	Iteration     int
	MaxIterations int
	StoryID       string
	WorkDir       string

	// Critique is the self-critique produced after the previous failed
	// iteration, if any.
	Critique string

	// PreviousError is the error of the previous failed iteration.
	PreviousError string
}

// Outcome is what the worker reports for one iteration.
type Outcome struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Executor runs one iteration of a task.
type Executor interface {
	Execute(ctx context.Context, task Task, ectx ExecContext) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task, ectx ExecContext) (Outcome, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task, ectx ExecContext) (Outcome, error) {
	return f(ctx, task, ectx)
}

// TaskResult is the settled result of one task inside a wave.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	Status        TaskStatus    `json:"status"`
	Critical      bool          `json:"critical,omitempty"`
	Error         string        `json:"error,omitempty"`
	FilesModified []string      `json:"files_modified,omitempty"`
	Iterations    int           `json:"iterations,omitempty"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Succeeded reports whether the task completed successfully.
func (r TaskResult) Succeeded() bool {
	return r.Status == TaskStatusComplete
}

// TaskRunner runs a whole task (all of its iterations) inside a wave.
// The wave scheduler consumes this; the build orchestrator supplies an
// implementation backed by the retry loop.
type TaskRunner interface {
	RunTask(ctx context.Context, wave int, task Task) TaskResult
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, wave int, task Task) TaskResult

// RunTask implements TaskRunner.
func (f TaskRunnerFunc) RunTask(ctx context.Context, wave int, task Task) TaskResult {
	return f(ctx, wave, task)
}
