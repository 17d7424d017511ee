// Package worker adapts the external code-change worker to the executor
// contract used by the retry loop and the wave scheduler.
//
// The worker is a one-shot CLI process. It receives a rendered prompt on
// stdin, runs in the task's work directory, and reports its outcome as a JSON
// line at the end of its output. The same process also serves self-critique
// and conflict resolution requests.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/buildpilot/internal/config"
	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/logging"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/verify"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
)

// maxErrorOutput bounds the stderr excerpt carried in errors.
const maxErrorOutput = 2000

// Invocation is one run of the worker process.
type Invocation struct {
	Command string
	Args    []string
	Dir     string
	Stdin   string
}

// Output is what a finished worker process produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner executes an Invocation. A non-nil error means the process
// could not be started or was interrupted; a non-zero exit is reported
// through Output.ExitCode instead.
type CommandRunner func(ctx context.Context, inv Invocation) (Output, error)

// ExecRunner runs inv with os/exec.
func ExecRunner(ctx context.Context, inv Invocation) (Output, error) {
	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = strings.NewReader(inv.Stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("failed to run %s: %w", inv.Command, err)
	}
	return out, nil
}

// CLIExecutor drives the worker CLI.
type CLIExecutor struct {
	command string
	args    []string
	dir     string
	run     CommandRunner
	logger  *logging.Logger
}

// Option configures a CLIExecutor.
type Option func(*CLIExecutor)

// WithRunner replaces the process runner.
func WithRunner(run CommandRunner) Option {
	return func(c *CLIExecutor) {
		if run != nil {
			c.run = run
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *CLIExecutor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDir sets the directory used for critique and merge requests, which
// are not tied to a task's work dir.
func WithDir(dir string) Option {
	return func(c *CLIExecutor) { c.dir = dir }
}

// NewCLIExecutor creates an executor for command.
func NewCLIExecutor(command string, args []string, opts ...Option) *CLIExecutor {
	if command == "" {
		command = "claude"
	}
	c := &CLIExecutor{
		command: command,
		args:    args,
		run:     ExecRunner,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a CLIExecutor from the worker config section.
func NewFromConfig(cfg config.WorkerConfig, opts ...Option) *CLIExecutor {
	return NewCLIExecutor(cfg.Command, cfg.Args, opts...)
}

// Command returns the executable and arguments the worker is started with.
func (c *CLIExecutor) Command() (string, []string) {
	return c.command, c.args
}

func (c *CLIExecutor) invoke(ctx context.Context, dir, prompt string) (Output, error) {
	out, err := c.run(ctx, Invocation{
		Command: c.command,
		Args:    c.args,
		Dir:     dir,
		Stdin:   prompt,
	})
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 && ratelimit.ContainsRateLimitMarker(string(out.Stderr)) {
		return out, &ratelimit.Error{
			Status:  ratelimit.StatusTooManyRequests,
			Message: "worker rate limited: " + verify.Truncate(strings.TrimSpace(string(out.Stderr)), maxErrorOutput),
		}
	}
	return out, nil
}

// Execute implements executor.Executor.
func (c *CLIExecutor) Execute(ctx context.Context, task executor.Task, ectx executor.ExecContext) (executor.Outcome, error) {
	prompt, err := BuildTaskPrompt(task, ectx)
	if err != nil {
		return executor.Outcome{}, err
	}

	logger := c.logger.WithSubtask(task.ID)
	logger.Debug("invoking worker", "iteration", ectx.Iteration, "dir", ectx.WorkDir)

	out, err := c.invoke(ctx, ectx.WorkDir, prompt)
	if err != nil {
		return executor.Outcome{}, err
	}
	outcome := ParseOutcome(out)
	logger.Debug("worker finished",
		"iteration", ectx.Iteration,
		"exit_code", out.ExitCode,
		"success", outcome.Success,
		"files", len(outcome.FilesModified),
	)
	return outcome, nil
}

// Critique implements retry.Critic.
func (c *CLIExecutor) Critique(ctx context.Context, task executor.Task, attempt retry.Attempt) (string, error) {
	prompt, err := BuildCritiquePrompt(task, attempt)
	if err != nil {
		return "", err
	}
	out, err := c.invoke(ctx, c.dir, prompt)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("critique exited with status %d", out.ExitCode)
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// ResolveConflict implements conflict.AIResolver. It returns the raw
// response; the pipeline extracts the code block.
func (c *CLIExecutor) ResolveConflict(ctx context.Context, req conflict.AIRequest) (string, error) {
	prompt, err := BuildMergePrompt(req)
	if err != nil {
		return "", err
	}
	out, err := c.invoke(ctx, c.dir, prompt)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("merge resolution for %s exited with status %d: %s",
			req.File, out.ExitCode, verify.Truncate(strings.TrimSpace(string(out.Stderr)), maxErrorOutput))
	}
	return string(out.Stdout), nil
}

// result is the trailing JSON line a worker prints.
type result struct {
	Success       *bool    `json:"success"`
	FilesModified []string `json:"files_modified"`
	Error         string   `json:"error"`
}

// ParseOutcome reads the last JSON object line of stdout. Without one, the
// exit status decides success.
func ParseOutcome(out Output) executor.Outcome {
	stdout := string(out.Stdout)
	outcome := executor.Outcome{Output: verify.Truncate(stdout, maxErrorOutput)}

	if r, ok := lastResultLine(stdout); ok {
		outcome.Success = *r.Success
		outcome.FilesModified = r.FilesModified
		outcome.Error = r.Error
		if out.ExitCode != 0 && outcome.Success {
			outcome.Success = false
			outcome.Error = fmt.Sprintf("worker exited with status %d", out.ExitCode)
		}
	} else {
		outcome.Success = out.ExitCode == 0
		if !outcome.Success {
			outcome.Error = fmt.Sprintf("worker exited with status %d", out.ExitCode)
		}
	}

	if !outcome.Success && outcome.Error == "" {
		outcome.Error = "worker reported failure"
	}
	if !outcome.Success {
		if stderr := strings.TrimSpace(string(out.Stderr)); stderr != "" {
			outcome.Error += ": " + verify.Truncate(stderr, maxErrorOutput)
		}
	}
	return outcome
}

func lastResultLine(stdout string) (result, bool) {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			return result{}, false
		}
		var r result
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Success == nil {
			return result{}, false
		}
		return r, true
	}
	return result{}, false
}
