package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <build-id> <subtask-id>",
	Short: "Mark a subtask as completed",
	Long: `Record a checkpoint for a subtask finished outside the build, so that
'buildpilot resume' skips it.`,
	Args: cobra.ExactArgs(2),
	RunE: runCheckpoint,
}

var detectAbandonedCmd = &cobra.Command{
	Use:   "detect-abandoned <build-id>",
	Short: "Mark a stale in-progress build as abandoned",
	Long: `An in-progress build that has not checkpointed for longer than the
threshold is marked abandoned. Abandoned builds can be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runDetectAbandoned,
}

var abandonedThresholdMs int

func init() {
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(detectAbandonedCmd)
	detectAbandonedCmd.Flags().IntVar(&abandonedThresholdMs, "threshold", 0,
		"Staleness threshold in milliseconds (default from config)")
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.orch.Checkpoint(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s saved for subtask %s\n", cp.ID, cp.SubtaskID)
	return nil
}

func runDetectAbandoned(cmd *cobra.Command, args []string) error {
	if abandonedThresholdMs < 0 {
		return fmt.Errorf("--threshold must be non-negative, got %d", abandonedThresholdMs)
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	abandoned, err := a.orch.DetectAbandoned(args[0], time.Duration(abandonedThresholdMs)*time.Millisecond)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	p := newPalette(out)
	if abandoned {
		fmt.Fprintf(out, "Build %s is %s\n", args[0], p.render(p.fail, "abandoned"))
	} else {
		fmt.Fprintf(out, "Build %s is not abandoned\n", args[0])
	}
	return nil
}
