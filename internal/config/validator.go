package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidMergePolicies returns the list of valid merge resolution policies
func ValidMergePolicies() []string {
	return []string{"conservative", "prefer_ai"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBuild()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateRateLimit()...)
	errors = append(errors, c.validateVerification()...)
	errors = append(errors, c.validateMerge()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMonitor()...)

	return errors
}

func positive(field string, value int) []ValidationError {
	if value > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be positive"}}
}

func nonNegative(field string, value int) []ValidationError {
	if value >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be non-negative (0 disables)"}}
}

func (c *Config) validateBuild() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("build.max_iterations", c.Build.MaxIterations)...)
	errors = append(errors, nonNegative("build.subtask_timeout_ms", c.Build.SubtaskTimeoutMs)...)
	errors = append(errors, nonNegative("build.global_timeout_ms", c.Build.GlobalTimeoutMs)...)
	errors = append(errors, positive("build.abandoned_threshold_ms", c.Build.AbandonedThresholdMs)...)

	if strings.TrimSpace(c.Build.StateDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "build.state_dir",
			Value:   c.Build.StateDir,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("scheduler.max_parallel", c.Scheduler.MaxParallel)...)
	errors = append(errors, nonNegative("scheduler.task_timeout_ms", c.Scheduler.TaskTimeoutMs)...)

	const maxParallelLimit = 64
	if c.Scheduler.MaxParallel > maxParallelLimit {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_parallel",
			Value:   c.Scheduler.MaxParallel,
			Message: fmt.Sprintf("exceeds maximum of %d", maxParallelLimit),
		})
	}

	return errors
}

func (c *Config) validateRateLimit() []ValidationError {
	var errors []ValidationError
	rl := c.RateLimit

	errors = append(errors, positive("rate_limit.requests_per_minute", rl.RequestsPerMinute)...)
	errors = append(errors, nonNegative("rate_limit.max_retries", rl.MaxRetries)...)
	errors = append(errors, positive("rate_limit.base_delay_ms", rl.BaseDelayMs)...)
	errors = append(errors, positive("rate_limit.event_log_size", rl.EventLogSize)...)

	if rl.MaxDelayMs < rl.BaseDelayMs {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.max_delay_ms",
			Value:   rl.MaxDelayMs,
			Message: "must be at least rate_limit.base_delay_ms",
		})
	}
	if rl.PreemptiveRatio <= 0 || rl.PreemptiveRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.preemptive_ratio",
			Value:   rl.PreemptiveRatio,
			Message: "must be in (0, 1]",
		})
	}

	return errors
}

func (c *Config) validateVerification() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("verification.timeout_ms", c.Verification.TimeoutMs)...)
	if c.Verification.Shell == "" {
		errors = append(errors, ValidationError{
			Field:   "verification.shell",
			Value:   c.Verification.Shell,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateMerge() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("merge.max_context_tokens", c.Merge.MaxContextTokens)...)

	if c.Merge.Policy != "" && !slices.Contains(ValidMergePolicies(), c.Merge.Policy) {
		errors = append(errors, ValidationError{
			Field:   "merge.policy",
			Value:   c.Merge.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidMergePolicies(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateWorker() []ValidationError {
	if strings.TrimSpace(c.Worker.Command) != "" {
		return nil
	}
	return []ValidationError{{
		Field:   "worker.command",
		Value:   c.Worker.Command,
		Message: "must not be empty",
	}}
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	errors = append(errors, nonNegative("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}

func (c *Config) validateMonitor() []ValidationError {
	var errors []ValidationError

	if c.Monitor.URL != "" && !strings.HasPrefix(c.Monitor.URL, "http://") && !strings.HasPrefix(c.Monitor.URL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "monitor.url",
			Value:   c.Monitor.URL,
			Message: "must be an http(s) URL",
		})
	}
	errors = append(errors, positive("monitor.timeout_ms", c.Monitor.TimeoutMs)...)

	return errors
}
