package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <build-id>",
	Short: "Remove a build's worktrees, branches and state",
	Long: `Cleanup removes everything a build left behind: its worktree, the
worktrees of its parallel tasks, their branches and the persisted state.

Builds still in progress are only removed with --force.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

var cleanupForce bool

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Remove the build even if it is in progress")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Cleanup(args[0], cleanupForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up build %s\n", args[0])
	return nil
}
