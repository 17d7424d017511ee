// Package errors provides centralized error definitions and error handling utilities
// for buildpilot. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - BuildError: errors raised while driving a build (phase, subtask, wave)
//   - SchemaError: persisted build state that fails validation
//   - RateLimitError: an external call that stayed rate limited after all retries
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Classification
//
// [Classify] maps any error onto the build error taxonomy:
//   - ClassTransient: rate limited calls and timed out tasks, retried within budget
//   - ClassStructural: missing plan, invalid persisted state; fatal for the operation
//   - ClassPolicy: iteration or global time budget exhausted
//   - ClassConflict: a semantic merge that cannot be applied safely
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Build state sentinel errors
var (
	// ErrBuildNotFound indicates that no persisted state exists for a build.
	ErrBuildNotFound = New("build not found")
	// ErrBuildExists indicates that a build state already exists.
	ErrBuildExists = New("build already exists")
	// ErrBuildCompleted indicates an operation that is invalid on a completed build.
	ErrBuildCompleted = New("build already completed")
	// ErrSchemaInvalid indicates that persisted build state failed validation.
	ErrSchemaInvalid = New("build state schema invalid")
)

// Plan and execution sentinel errors
var (
	// ErrPlanNotFound indicates that a plan could not be found.
	ErrPlanNotFound = New("plan not found")
	// ErrPlanInvalid indicates that a plan is invalid.
	ErrPlanInvalid = New("plan is invalid")
	// ErrTaskFailed indicates that a task execution failed.
	ErrTaskFailed = New("task failed")
	// ErrTaskTimeout indicates that a single task exceeded its timeout.
	ErrTaskTimeout = New("task timed out")
	// ErrMaxIterations indicates that a subtask exhausted its iteration budget.
	ErrMaxIterations = New("max iterations exhausted")
	// ErrGlobalTimeout indicates that the build exceeded its global timeout.
	ErrGlobalTimeout = New("global build timeout exceeded")
	// ErrVerificationFailed indicates that a verification command failed.
	ErrVerificationFailed = New("verification failed")
	// ErrCancelled indicates that work was cancelled before completion.
	ErrCancelled = New("cancelled")
)

// External call and merge sentinel errors
var (
	// ErrRateLimitExceeded indicates that retries were exhausted on rate limit errors.
	ErrRateLimitExceeded = New("rate limit exceeded")
	// ErrNeedsHumanReview indicates a merge that cannot be applied automatically.
	ErrNeedsHumanReview = New("needs human review")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// BuildpilotError is the base interface for typed errors in this module.
type BuildpilotError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// BuildError represents an error raised while driving a build.
//
// Example:
//
//	err := errors.NewBuildError("subtask failed", errors.ErrMaxIterations)
//	err = err.WithBuildID("story-1").WithPhase("execute").WithSubtask("1.2")
//	fmt.Println(err) // "build error [build=story-1, phase=execute, subtask=1.2]: subtask failed: max iterations exhausted"
type BuildError struct {
	baseError
	BuildID   string
	Phase     string
	SubtaskID string
	WaveIndex int
}

// NewBuildError creates a new BuildError.
func NewBuildError(message string, cause error) *BuildError {
	return &BuildError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		WaveIndex: -1, // -1 indicates not set
	}
}

// WithBuildID adds a build ID to the error context.
func (e *BuildError) WithBuildID(id string) *BuildError {
	e.BuildID = id
	return e
}

// WithPhase adds a phase name to the error context.
func (e *BuildError) WithPhase(phase string) *BuildError {
	e.Phase = phase
	return e
}

// WithSubtask adds a subtask ID to the error context.
func (e *BuildError) WithSubtask(id string) *BuildError {
	e.SubtaskID = id
	return e
}

// WithWave adds a wave index to the error context.
func (e *BuildError) WithWave(idx int) *BuildError {
	e.WaveIndex = idx
	return e
}

// WithSeverity sets the error severity.
func (e *BuildError) WithSeverity(s Severity) *BuildError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *BuildError) WithRetryable(r bool) *BuildError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *BuildError) Error() string {
	var parts []string
	if e.BuildID != "" {
		parts = append(parts, fmt.Sprintf("build=%s", e.BuildID))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.SubtaskID != "" {
		parts = append(parts, fmt.Sprintf("subtask=%s", e.SubtaskID))
	}
	if e.WaveIndex >= 0 {
		parts = append(parts, fmt.Sprintf("wave=%d", e.WaveIndex))
	}

	prefix := "build error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("build error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *BuildError) Is(target error) bool {
	_, ok := target.(*BuildError)
	return ok
}

// SchemaError reports persisted state that violates required fields.
// Every violated field is listed, not only the first one found.
type SchemaError struct {
	baseError
	Path   string
	Fields []string
}

// NewSchemaError creates a SchemaError for the state file at path.
func NewSchemaError(path string, fields []string) *SchemaError {
	return &SchemaError{
		baseError: baseError{
			message:    "persisted build state is invalid",
			cause:      ErrSchemaInvalid,
			severity:   SeverityCritical,
			userFacing: true,
		},
		Path:   path,
		Fields: fields,
	}
}

// WithCause replaces the cause. The error still matches ErrSchemaInvalid.
func (e *SchemaError) WithCause(cause error) *SchemaError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema invalid [%s]", e.Path)
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("%s: violated fields: %s", msg, strings.Join(e.Fields, ", "))
	}
	if e.cause != nil && e.cause != ErrSchemaInvalid {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *SchemaError) Is(target error) bool {
	if _, ok := target.(*SchemaError); ok {
		return true
	}
	return target == ErrSchemaInvalid
}

// RateLimitError is returned when an external call stays rate limited
// after every retry.
type RateLimitError struct {
	baseError
	Attempts  int
	LastDelay time.Duration
}

// NewRateLimitError creates a RateLimitError wrapping the last call error.
func NewRateLimitError(attempts int, lastDelay time.Duration, cause error) *RateLimitError {
	return &RateLimitError{
		baseError: baseError{
			message:    "rate limit exceeded",
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		Attempts:  attempts,
		LastDelay: lastDelay,
	}
}

// Error returns the formatted error message.
func (e *RateLimitError) Error() string {
	base := fmt.Sprintf("rate limit exceeded after %d attempts (last delay: %s)", e.Attempts, e.LastDelay)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if _, ok := target.(*RateLimitError); ok {
		return true
	}
	return target == ErrRateLimitExceeded
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("build", "story-1")
//	fmt.Println(err) // "build 'story-1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	_, ok := target.(*AlreadyExistsError)
	return ok
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("wave references unknown subtask")
//	err = err.WithField("waves[1]").WithValue("9.9")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("subtask 1.2", 30*time.Second)
//	fmt.Println(err) // "timeout error: subtask 1.2 (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return target == ErrTimeout
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// Class is the handling category of an error within a build.
type Class int

const (
	// ClassUnknown is an error outside the build taxonomy.
	ClassUnknown Class = iota
	// ClassTransient errors are retried within budget.
	ClassTransient
	// ClassStructural errors are fatal for the current operation.
	ClassStructural
	// ClassPolicy errors are terminal for the affected subtask or build.
	ClassPolicy
	// ClassConflict errors downgrade a merge to human review.
	ClassConflict
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStructural:
		return "structural"
	case ClassPolicy:
		return "policy"
	case ClassConflict:
		return "conflict_unresolvable"
	default:
		return "unknown"
	}
}

// Classify maps err onto the build error taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case Is(err, ErrNeedsHumanReview):
		return ClassConflict
	case Is(err, ErrMaxIterations), Is(err, ErrGlobalTimeout):
		return ClassPolicy
	case Is(err, ErrSchemaInvalid), Is(err, ErrPlanNotFound), Is(err, ErrPlanInvalid),
		Is(err, ErrBuildNotFound), Is(err, ErrBuildCompleted):
		return ClassStructural
	case Is(err, ErrRateLimitExceeded), Is(err, ErrTaskTimeout), Is(err, ErrTimeout):
		return ClassTransient
	}
	return ClassUnknown
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var bpErr BuildpilotError
	if As(err, &bpErr) {
		return bpErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrTaskTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var bpErr BuildpilotError
	if As(err, &bpErr) {
		return bpErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement BuildpilotError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var bpErr BuildpilotError
	if As(err, &bpErr) {
		return bpErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
