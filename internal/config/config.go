package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete buildpilot configuration
type Config struct {
	Build        BuildConfig        `mapstructure:"build"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Verification VerificationConfig `mapstructure:"verification"`
	Merge        MergeConfig        `mapstructure:"merge"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
}

// BuildConfig controls the build loop and its persisted state
type BuildConfig struct {
	// MaxIterations is the number of worker attempts per subtask (default: 10)
	MaxIterations int `mapstructure:"max_iterations"`
	// SubtaskTimeoutMs bounds a single worker invocation (default: 10 minutes)
	SubtaskTimeoutMs int `mapstructure:"subtask_timeout_ms"`
	// GlobalTimeoutMs bounds the whole build, measured from build start (default: 2 hours)
	GlobalTimeoutMs int `mapstructure:"global_timeout_ms"`
	// PauseOnFailure stops the build when a subtask fails instead of continuing
	PauseOnFailure bool `mapstructure:"pause_on_failure"`
	// AbandonedThresholdMs is how stale an in-progress build must be to count as abandoned
	AbandonedThresholdMs int `mapstructure:"abandoned_threshold_ms"`
	// StateDir is where build state, plans and reports live, relative to the repo root
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir holds per-build worktrees; empty means <state_dir>/worktrees
	WorktreeDir string `mapstructure:"worktree_dir"`
	// TargetBranch is the branch completed builds merge into; empty means the current branch
	TargetBranch string `mapstructure:"target_branch"`
}

// SchedulerConfig controls wave execution
type SchedulerConfig struct {
	// MaxParallel is the chunk size used to run the tasks of one wave (default: 3)
	MaxParallel int `mapstructure:"max_parallel"`
	// TaskTimeoutMs bounds a single task inside a wave (default: 15 minutes)
	TaskTimeoutMs int `mapstructure:"task_timeout_ms"`
	// ContinueOnNonCriticalFailure keeps running later waves when only non-critical tasks failed
	ContinueOnNonCriticalFailure bool `mapstructure:"continue_on_non_critical_failure"`
}

// RateLimitConfig controls throttling of worker calls
type RateLimitConfig struct {
	// RequestsPerMinute is the admission budget for the sliding window
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	// MaxRetries is the number of retries after a rate limited call
	MaxRetries int `mapstructure:"max_retries"`
	// BaseDelayMs is the first backoff delay
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	// MaxDelayMs caps every backoff delay
	MaxDelayMs int `mapstructure:"max_delay_ms"`
	// PreemptiveRatio is the window fill ratio at which calls start waiting (default: 0.8)
	PreemptiveRatio float64 `mapstructure:"preemptive_ratio"`
	// EventLogSize bounds the in-memory ring of limiter events
	EventLogSize int `mapstructure:"event_log_size"`
}

// VerificationConfig controls per-subtask verification commands
type VerificationConfig struct {
	// TimeoutMs is the default timeout when a subtask does not set one
	TimeoutMs int `mapstructure:"timeout_ms"`
	// Shell runs verification commands as `<shell> -c <command>`
	Shell string `mapstructure:"shell"`
}

// MergeConfig controls the conflict resolution pipeline
type MergeConfig struct {
	// Enabled runs conflict resolution before merging into the target branch
	Enabled bool `mapstructure:"enabled"`
	// AIEnabled allows the worker to resolve ai_required conflicts
	AIEnabled bool `mapstructure:"ai_enabled"`
	// MaxContextTokens bounds the prompt sent to the AI resolver
	MaxContextTokens int `mapstructure:"max_context_tokens"`
	// RulesFile points to project-specific compatibility rules (YAML)
	RulesFile string `mapstructure:"rules_file"`
	// Policy selects how per-conflict decisions fold into a file decision
	// Options: "conservative", "prefer_ai"
	Policy string `mapstructure:"policy"`
}

// WorkerConfig describes the external code-change worker
type WorkerConfig struct {
	// Command is the worker executable (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed before the prompt is piped on stdin
	Args []string `mapstructure:"args"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the size at which the log rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated logs kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated logs
	Compress bool `mapstructure:"compress"`
}

// MonitorConfig controls forwarding of build events to an external monitor
type MonitorConfig struct {
	// URL of the monitor server; events are POSTed to <url>/events. Empty disables forwarding.
	URL string `mapstructure:"url"`
	// TimeoutMs bounds each POST so a slow monitor never stalls the build
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Build: BuildConfig{
			MaxIterations:        10,
			SubtaskTimeoutMs:     600_000,   // 10 minutes
			GlobalTimeoutMs:      7_200_000, // 2 hours
			PauseOnFailure:       false,
			AbandonedThresholdMs: 3_600_000, // 1 hour
			StateDir:             ".buildpilot",
			WorktreeDir:          "",
			TargetBranch:         "",
		},
		Scheduler: SchedulerConfig{
			MaxParallel:                  3,
			TaskTimeoutMs:                900_000, // 15 minutes
			ContinueOnNonCriticalFailure: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 50,
			MaxRetries:        5,
			BaseDelayMs:       1000,
			MaxDelayMs:        60_000,
			PreemptiveRatio:   0.8,
			EventLogSize:      100,
		},
		Verification: VerificationConfig{
			TimeoutMs: 300_000, // 5 minutes
			Shell:     "sh",
		},
		Merge: MergeConfig{
			Enabled:          true,
			AIEnabled:        true,
			MaxContextTokens: 32_000,
			RulesFile:        "merge-rules.yaml",
			Policy:           "conservative",
		},
		Worker: WorkerConfig{
			Command: "claude",
			Args:    []string{"--print", "--dangerously-skip-permissions"},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		Monitor: MonitorConfig{
			URL:       "",
			TimeoutMs: 500,
		},
	}
}

// SubtaskTimeout returns the per-invocation timeout (0 means disabled)
func (c *BuildConfig) SubtaskTimeout() time.Duration {
	return time.Duration(c.SubtaskTimeoutMs) * time.Millisecond
}

// GlobalTimeout returns the build timeout (0 means disabled)
func (c *BuildConfig) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutMs) * time.Millisecond
}

// AbandonedThreshold returns the staleness threshold for abandoned detection
func (c *BuildConfig) AbandonedThreshold() time.Duration {
	return time.Duration(c.AbandonedThresholdMs) * time.Millisecond
}

// ResolveStateDir returns the state directory, resolved against baseDir when relative
func (c *BuildConfig) ResolveStateDir(baseDir string) string {
	return resolveDir(baseDir, c.StateDir)
}

// ResolveWorktreeDir returns the worktree directory for baseDir
func (c *BuildConfig) ResolveWorktreeDir(baseDir string) string {
	if c.WorktreeDir == "" {
		return filepath.Join(c.ResolveStateDir(baseDir), "worktrees")
	}
	return resolveDir(baseDir, c.WorktreeDir)
}

func resolveDir(baseDir, path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// TaskTimeout returns the per-task wave timeout (0 means disabled)
func (c *SchedulerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// BaseDelay returns the first backoff delay
func (c *RateLimitConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap
func (c *RateLimitConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// Timeout returns the default verification timeout
func (c *VerificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Timeout returns the monitor POST timeout
func (c *MonitorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Build defaults
	v.SetDefault("build.max_iterations", defaults.Build.MaxIterations)
	v.SetDefault("build.subtask_timeout_ms", defaults.Build.SubtaskTimeoutMs)
	v.SetDefault("build.global_timeout_ms", defaults.Build.GlobalTimeoutMs)
	v.SetDefault("build.pause_on_failure", defaults.Build.PauseOnFailure)
	v.SetDefault("build.abandoned_threshold_ms", defaults.Build.AbandonedThresholdMs)
	v.SetDefault("build.state_dir", defaults.Build.StateDir)
	v.SetDefault("build.worktree_dir", defaults.Build.WorktreeDir)
	v.SetDefault("build.target_branch", defaults.Build.TargetBranch)

	// Scheduler defaults
	v.SetDefault("scheduler.max_parallel", defaults.Scheduler.MaxParallel)
	v.SetDefault("scheduler.task_timeout_ms", defaults.Scheduler.TaskTimeoutMs)
	v.SetDefault("scheduler.continue_on_non_critical_failure", defaults.Scheduler.ContinueOnNonCriticalFailure)

	// Rate limit defaults
	v.SetDefault("rate_limit.requests_per_minute", defaults.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.max_retries", defaults.RateLimit.MaxRetries)
	v.SetDefault("rate_limit.base_delay_ms", defaults.RateLimit.BaseDelayMs)
	v.SetDefault("rate_limit.max_delay_ms", defaults.RateLimit.MaxDelayMs)
	v.SetDefault("rate_limit.preemptive_ratio", defaults.RateLimit.PreemptiveRatio)
	v.SetDefault("rate_limit.event_log_size", defaults.RateLimit.EventLogSize)

	// Verification defaults
	v.SetDefault("verification.timeout_ms", defaults.Verification.TimeoutMs)
	v.SetDefault("verification.shell", defaults.Verification.Shell)

	// Merge defaults
	v.SetDefault("merge.enabled", defaults.Merge.Enabled)
	v.SetDefault("merge.ai_enabled", defaults.Merge.AIEnabled)
	v.SetDefault("merge.max_context_tokens", defaults.Merge.MaxContextTokens)
	v.SetDefault("merge.rules_file", defaults.Merge.RulesFile)
	v.SetDefault("merge.policy", defaults.Merge.Policy)

	// Worker defaults
	v.SetDefault("worker.command", defaults.Worker.Command)
	v.SetDefault("worker.args", defaults.Worker.Args)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Monitor defaults
	v.SetDefault("monitor.url", defaults.Monitor.URL)
	v.SetDefault("monitor.timeout_ms", defaults.Monitor.TimeoutMs)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "buildpilot")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".buildpilot"
	}
	return filepath.Join(home, ".config", "buildpilot")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
