package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status [build-id]",
	Short: "Show build status",
	Long: `Display the persisted state of a build: its status, phase, completed
subtasks, failures and notifications. With --all, list every build.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusAll bool

// notificationsShown caps the notifications printed for one build.
const notificationsShown = 5

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "List all builds")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if !statusAll && len(args) == 0 {
		return fmt.Errorf("a build id is required unless --all is given")
	}
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	p := newPalette(out)
	if statusAll {
		states, err := a.orch.List()
		if err != nil {
			return err
		}
		printBuildList(out, p, states)
		return nil
	}

	state, err := a.orch.Status(args[0])
	if err != nil {
		return err
	}
	printBuildState(out, p, state)
	return nil
}

func printBuildList(w io.Writer, p palette, states []*checkpoint.BuildState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "No builds")
		return
	}
	fmt.Fprintln(w, p.Title(fmt.Sprintf("%-24s %-12s %-10s %-9s %s", "BUILD", "STATUS", "PHASE", "PROGRESS", "STARTED")))
	for _, s := range states {
		// pad before styling so escape codes do not break the columns
		fmt.Fprintf(w, "%-24s %s %-10s %-9s %s\n",
			s.BuildID,
			p.Status(s.Status)+spaces(12-len(s.Status)),
			s.CurrentPhase,
			progress(s),
			s.StartedAt.Local().Format(time.DateTime),
		)
	}
}

func printBuildState(w io.Writer, p palette, s *checkpoint.BuildState) {
	fmt.Fprintf(w, "%s %s\n", p.Title("Build"), s.BuildID)
	fmt.Fprintf(w, "Status:   %s\n", p.Status(s.Status))
	phase := s.CurrentPhase
	if s.CurrentSubtask != "" {
		phase += " (" + s.CurrentSubtask + ")"
	}
	fmt.Fprintf(w, "Phase:    %s\n", phase)
	fmt.Fprintf(w, "Started:  %s\n", s.StartedAt.Local().Format(time.DateTime))
	if s.LastCheckpoint != nil {
		fmt.Fprintf(w, "Last checkpoint: %s\n", s.LastCheckpoint.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "Progress: %s subtasks\n", progress(s))
	if next := s.NextSubtask(); next != "" {
		fmt.Fprintf(w, "Next:     %s\n", next)
	}
	if len(s.FailedAttempts) > 0 {
		fmt.Fprintf(w, "Failures: %d\n", len(s.FailedAttempts))
	}
	if s.Metrics.ResumeCount > 0 {
		fmt.Fprintf(w, "Resumed:  %d times\n", s.Metrics.ResumeCount)
	}

	notes := s.Notifications
	if len(notes) > notificationsShown {
		notes = notes[len(notes)-notificationsShown:]
	}
	if len(notes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, p.Title("Notifications"))
		for _, n := range notes {
			fmt.Fprintf(w, "  [%s] %s\n", p.Level(n.Level), n.Message)
		}
	}
}

func progress(s *checkpoint.BuildState) string {
	if len(s.Subtasks) == 0 {
		return fmt.Sprintf("%d", len(s.CompletedSubtasks))
	}
	return fmt.Sprintf("%d/%d", len(s.CompletedSubtasks), len(s.Subtasks))
}

func spaces(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%*s", n, "")
}
