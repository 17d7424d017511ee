// Package verify runs a task's verification step after the worker reports
// success.
//
// A verification is a shell command, a test command, or both. Each runs in the
// task's work directory under its own timeout. A step passes when it exits 0
// and its output does not match a failure heuristic.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/logging"
)

// Verification describes how to check a task's work.
type Verification struct {
	Command     string `yaml:"command,omitempty" json:"command,omitempty"`
	TestCommand string `yaml:"test_command,omitempty" json:"test_command,omitempty"`
	TimeoutMs   int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// IsZero reports whether there is nothing to run.
func (v Verification) IsZero() bool {
	return strings.TrimSpace(v.Command) == "" && strings.TrimSpace(v.TestCommand) == ""
}

// Result is the outcome of a verification.
type Result struct {
	Passed   bool
	Skipped  bool
	Command  string // the step that decided the result
	ExitCode int
	TimedOut bool
	Reason   string
	Output   string // truncated combined output
	Duration time.Duration
}

// Err returns nil for a passing result, otherwise an error wrapping
// ErrVerificationFailed.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%s: %w", r.Reason, errors.ErrVerificationFailed)
}

// CommandRunner executes command through shell in dir and returns its
// combined output and exit code. A non-nil error means the command could not
// be run or was interrupted.
type CommandRunner func(ctx context.Context, dir, shell, command string) ([]byte, int, error)

// Config holds verifier settings.
type Config struct {
	Shell          string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultConfig returns sensible defaults for verification.
func DefaultConfig() Config {
	return Config{
		Shell:          "sh",
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 4000,
	}
}

// Verifier runs verifications.
type Verifier struct {
	config Config
	run    CommandRunner
	logger *logging.Logger
}

// Option is a functional option for configuring Verifier.
type Option func(*Verifier)

// WithLogger sets the logger for the verifier.
func WithLogger(logger *logging.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithConfig sets the configuration for the verifier.
func WithConfig(cfg Config) Option {
	return func(v *Verifier) {
		if cfg.Shell != "" {
			v.config.Shell = cfg.Shell
		}
		if cfg.DefaultTimeout > 0 {
			v.config.DefaultTimeout = cfg.DefaultTimeout
		}
		if cfg.MaxOutputBytes > 0 {
			v.config.MaxOutputBytes = cfg.MaxOutputBytes
		}
	}
}

// WithRunner replaces the command runner.
func WithRunner(run CommandRunner) Option {
	return func(v *Verifier) {
		if run != nil {
			v.run = run
		}
	}
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		config: DefaultConfig(),
		run:    ExecRunner,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ExecRunner runs command with "<shell> -c" via os/exec.
func ExecRunner(ctx context.Context, dir, shell, command string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 500 * time.Millisecond
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), 0, nil
	}
	if ctx.Err() != nil {
		return out.Bytes(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), exitErr.ExitCode(), nil
	}
	return out.Bytes(), -1, err
}

// Verify runs check in workDir. The command runs first, then the test
// command; the first failing step decides the result.
func (v *Verifier) Verify(ctx context.Context, workDir string, check Verification) Result {
	if check.IsZero() {
		return Result{Passed: true, Skipped: true}
	}

	timeout := v.config.DefaultTimeout
	if check.TimeoutMs > 0 {
		timeout = time.Duration(check.TimeoutMs) * time.Millisecond
	}

	var last Result
	for _, command := range []string{check.Command, check.TestCommand} {
		if strings.TrimSpace(command) == "" {
			continue
		}
		last = v.runStep(ctx, workDir, command, timeout)
		if !last.Passed {
			v.logger.Warn("verification failed",
				"command", command,
				"exit_code", last.ExitCode,
				"reason", last.Reason)
			return last
		}
	}
	v.logger.Debug("verification passed", "command", last.Command, "duration_ms", last.Duration.Milliseconds())
	return last
}

func (v *Verifier) runStep(ctx context.Context, workDir, command string, timeout time.Duration) Result {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, code, err := v.run(stepCtx, workDir, v.config.Shell, command)
	res := Result{
		Command:  command,
		ExitCode: code,
		Output:   Truncate(string(out), v.config.MaxOutputBytes),
		Duration: time.Since(start),
	}

	switch {
	case err != nil && stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.TimedOut = true
		res.Reason = fmt.Sprintf("verification timed out after %s: %s", timeout, command)
	case err != nil:
		res.Reason = fmt.Sprintf("verification could not run %q: %v", command, err)
	case code != 0:
		res.Reason = fmt.Sprintf("verification exited with code %d: %s", code, command)
	default:
		if match, ok := FailureHeuristic(string(out)); ok {
			res.Reason = fmt.Sprintf("verification output indicates failure (%q): %s", match, command)
		} else {
			res.Passed = true
		}
	}
	return res
}

var failurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)(?:^|\s)error:`),
	regexp.MustCompile(`(?i)\b[1-9]\d*\s+tests?\s+failed`),
	regexp.MustCompile(`(?m)^(?:--- )?FAIL\b`),
}

// FailureHeuristic reports whether output looks like a failure even though
// the command exited 0. It returns the matching text.
func FailureHeuristic(output string) (string, bool) {
	for _, re := range failurePatterns {
		if m := re.FindString(output); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}

// Truncate keeps the last max bytes of s, which is where test runners put
// their summary.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return "...(truncated)\n" + s[len(s)-max:]
}
