package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/buildpilot/internal/orchestrator"
)

var buildCmd = &cobra.Command{
	Use:   "build <build-id>",
	Short: "Run a build from its plan",
	Long: `Run the build described by <state_dir>/plans/<build-id>.yaml.

The build works in its own worktree on branch buildpilot/<build-id>, runs
every subtask with retries, verifies the integrated result, merges it into
the target branch and writes a report to <state_dir>/builds/<build-id>/report.md.
Interrupting the build (Ctrl-C) pauses it; continue with 'buildpilot resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <build-id>",
	Short: "Continue a paused, failed or abandoned build",
	Long: `Resume continues a build from its next incomplete subtask. Subtasks with a
checkpoint are not run again. Completed builds cannot be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

type buildFlags struct {
	dryRun       bool
	noMerge      bool
	keepWorktree bool
	noQA         bool
	timeoutMs    int
	verbose      bool
}

var (
	buildOpts  buildFlags
	resumeOpts buildFlags
)

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(resumeCmd)
	addBuildFlags(buildCmd, &buildOpts, true)
	addBuildFlags(resumeCmd, &resumeOpts, false)
}

func addBuildFlags(cmd *cobra.Command, f *buildFlags, dryRun bool) {
	if dryRun {
		cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Validate and print the plan without building")
	}
	cmd.Flags().BoolVar(&f.noMerge, "no-merge", false, "Leave the build branch unmerged")
	cmd.Flags().BoolVar(&f.keepWorktree, "keep-worktree", false, "Keep the build worktree after the build")
	cmd.Flags().BoolVar(&f.noQA, "no-qa", false, "Skip verification of the integrated build")
	cmd.Flags().IntVar(&f.timeoutMs, "timeout", 0, "Global build timeout in milliseconds (default from config)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Print progress and debug logs")
}

func (f buildFlags) options() (orchestrator.BuildOptions, error) {
	if f.timeoutMs < 0 {
		return orchestrator.BuildOptions{}, fmt.Errorf("--timeout must be non-negative, got %d", f.timeoutMs)
	}
	return orchestrator.BuildOptions{
		DryRun:       f.dryRun,
		NoMerge:      f.noMerge,
		KeepWorktree: f.keepWorktree,
		NoQA:         f.noQA,
		Timeout:      time.Duration(f.timeoutMs) * time.Millisecond,
		Verbose:      f.verbose,
	}, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	return runBuildCommand(cmd, args[0], buildOpts, false)
}

func runResume(cmd *cobra.Command, args []string) error {
	return runBuildCommand(cmd, args[0], resumeOpts, true)
}

func runBuildCommand(cmd *cobra.Command, buildID string, f buildFlags, resume bool) error {
	opts, err := f.options()
	if err != nil {
		return err
	}
	a, err := newApp(f.verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	p := newPalette(out)
	if f.verbose {
		id := followProgress(a.bus, cmd.ErrOrStderr(), newPalette(cmd.ErrOrStderr()))
		defer a.bus.Unsubscribe(id)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res orchestrator.Result
	if resume {
		res = a.orch.Resume(ctx, buildID, opts)
	} else {
		res = a.orch.Build(ctx, buildID, opts)
	}
	printResult(out, p, res, opts.DryRun)
	if res.Err != nil {
		return fmt.Errorf("build %s failed in phase %s: %w", buildID, res.Phase, res.Err)
	}
	return nil
}

func printResult(w io.Writer, p palette, res orchestrator.Result, dryRun bool) {
	if res.PlanSummary != "" {
		fmt.Fprintln(w, res.PlanSummary)
	}
	if dryRun && res.Err == nil {
		fmt.Fprintf(w, "%s plan %s is valid (dry run, nothing was built)\n", p.render(p.ok, "ok"), res.BuildID)
		return
	}

	fmt.Fprintf(w, "%s %s: %s", p.Title("Build"), res.BuildID, p.Outcome(res.Outcome))
	if res.Duration > 0 {
		fmt.Fprintf(w, " %s", p.Muted("in "+formatDuration(res.Duration)))
	}
	fmt.Fprintln(w)
	if res.Err != nil {
		fmt.Fprintf(w, "  phase: %s\n  error: %v\n", res.Phase, res.Err)
	}
	if res.Waves != nil {
		m := res.Waves.Metrics
		fmt.Fprintf(w, "  waves: %d, tasks: %d succeeded, %d failed, %d skipped\n",
			len(res.Waves.Waves), m.Succeeded, m.Failed, m.Skipped)
	}
	var review []string
	for _, m := range res.Merges {
		if !m.Decision.Applied() {
			review = append(review, m.File)
		}
	}
	if len(review) > 0 {
		fmt.Fprintf(w, "  %s %v\n", p.render(p.warn, "needs human review:"), review)
	}
	if res.Report != "" {
		fmt.Fprintf(w, "  report: %s\n", res.Report)
	}
	switch res.Outcome {
	case orchestrator.OutcomePaused, orchestrator.OutcomeTimeout, orchestrator.OutcomeFailed:
		if res.Report != "" {
			fmt.Fprintf(w, "  %s\n", p.Muted("continue with: buildpilot resume "+res.BuildID))
		}
	}
}
