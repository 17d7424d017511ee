package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/phase"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/wave"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "buildpilot", rootCmd.Use)

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"build", "resume", "status", "checkpoint", "detect-abandoned", "cleanup", "config", "plan"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestBuildFlags(t *testing.T) {
	for _, name := range []string{"dry-run", "no-merge", "keep-worktree", "no-qa", "timeout", "verbose"} {
		assert.NotNil(t, buildCmd.Flags().Lookup(name), "build --%s", name)
	}
	assert.Nil(t, resumeCmd.Flags().Lookup("dry-run"))
	assert.NotNil(t, statusCmd.Flags().Lookup("all"))
	assert.NotNil(t, detectAbandonedCmd.Flags().Lookup("threshold"))
	assert.NotNil(t, cleanupCmd.Flags().Lookup("force"))
}

func TestBuildFlagsOptions(t *testing.T) {
	opts, err := buildFlags{noMerge: true, noQA: true, timeoutMs: 1500, verbose: true}.options()
	require.NoError(t, err)
	assert.Equal(t, orchestrator.BuildOptions{
		NoMerge: true,
		NoQA:    true,
		Timeout: 1500 * time.Millisecond,
		Verbose: true,
	}, opts)

	_, err = buildFlags{timeoutMs: -1}.options()
	assert.Error(t, err)
}

func TestPaletteIsPlainWithoutTerminal(t *testing.T) {
	p := newPalette(&bytes.Buffer{})
	assert.False(t, p.enabled)
	assert.Equal(t, "failed", p.Outcome(orchestrator.OutcomeFailed))
	assert.Equal(t, "paused", p.Status(checkpoint.StatusPaused))
}

func TestPrintResult_Failure(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, newPalette(&buf), orchestrator.Result{
		BuildID:  "b1",
		Outcome:  orchestrator.OutcomeFailed,
		Phase:    phase.PhaseExecute,
		Err:      errors.New("subtask a: max iterations exhausted"),
		Report:   "/state/builds/b1/report.md",
		Duration: 3 * time.Second,
		Waves: &wave.Result{
			Waves:   []wave.WaveResult{{Index: 0}, {Index: 1}},
			Metrics: wave.Metrics{Succeeded: 2, Failed: 1, Skipped: 1},
		},
		Merges: []conflict.FileResolution{
			{File: "main.go", Decision: conflict.DecisionAutoMerged},
			{File: "calc.go", Decision: conflict.DecisionNeedsHumanReview},
		},
	}, false)

	out := buf.String()
	assert.Contains(t, out, "Build b1: failed in 3s\n")
	assert.Contains(t, out, "  phase: execute\n")
	assert.Contains(t, out, "  error: subtask a: max iterations exhausted\n")
	assert.Contains(t, out, "  waves: 2, tasks: 2 succeeded, 1 failed, 1 skipped\n")
	assert.Contains(t, out, "needs human review: [calc.go]")
	assert.Contains(t, out, "  report: /state/builds/b1/report.md\n")
	assert.Contains(t, out, "continue with: buildpilot resume b1")
}

func TestPrintResult_DryRun(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, newPalette(&buf), orchestrator.Result{
		BuildID:     "b1",
		Outcome:     orchestrator.OutcomeSuccess,
		PlanSummary: "Plan b1",
	}, true)
	assert.Equal(t, "Plan b1\nok plan b1 is valid (dry run, nothing was built)\n", buf.String())
}

func TestPrintBuildState(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	state := &checkpoint.BuildState{
		BuildID:           "b1",
		Status:            checkpoint.StatusPaused,
		StartedAt:         started,
		CurrentPhase:      "execute",
		CurrentSubtask:    "b",
		Subtasks:          []string{"a", "b", "c"},
		CompletedSubtasks: []string{"a"},
		FailedAttempts:    []checkpoint.FailureRecord{{SubtaskID: "b"}},
		Metrics:           checkpoint.Metrics{ResumeCount: 2},
	}
	for i := range 7 {
		state.Notifications = append(state.Notifications, checkpoint.Notification{
			Level:   checkpoint.LevelWarning,
			Message: "note " + string(rune('0'+i)),
		})
	}

	var buf bytes.Buffer
	printBuildState(&buf, newPalette(&buf), state)
	out := buf.String()
	assert.Contains(t, out, "Status:   paused\n")
	assert.Contains(t, out, "Phase:    execute (b)\n")
	assert.Contains(t, out, "Progress: 1/3 subtasks\n")
	assert.Contains(t, out, "Next:     b\n")
	assert.Contains(t, out, "Failures: 1\n")
	assert.Contains(t, out, "Resumed:  2 times\n")
	assert.NotContains(t, out, "note 1")
	assert.Contains(t, out, "  [warning] note 6\n")
	assert.Equal(t, notificationsShown, strings.Count(out, "[warning]"))
}

func TestPrintBuildList(t *testing.T) {
	var buf bytes.Buffer
	printBuildList(&buf, newPalette(&buf), nil)
	assert.Equal(t, "No builds\n", buf.String())

	buf.Reset()
	printBuildList(&buf, newPalette(&buf), []*checkpoint.BuildState{
		{BuildID: "b2", Status: checkpoint.StatusCompleted, CurrentPhase: "report", Subtasks: []string{"a"}, CompletedSubtasks: []string{"a"}},
		{BuildID: "b1", Status: checkpoint.StatusInProgress, CurrentPhase: "execute"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "BUILD"))
	assert.Contains(t, lines[1], "completed    report     1/1")
	assert.Contains(t, lines[2], "in_progress  execute    0")
}

func TestFollowProgress(t *testing.T) {
	bus := event.NewBus()
	var buf bytes.Buffer
	id := followProgress(bus, &buf, newPalette(&buf))

	bus.Publish(event.NewPhaseStartedEvent("b1", "execute"))
	bus.Publish(event.NewSubtaskCompletedEvent("b1", "a", 2, []string{"a.go"}))
	bus.Publish(event.NewSubtaskFailedEvent("b1", "b", 1, errors.New("boom")))
	bus.Publish(event.NewWaveCompletedEvent(0, 2, 1, false, 1500*time.Millisecond))
	bus.Publish(event.NewPhaseFinishedEvent("b1", "execute", 2*time.Second, errors.New("task failed")))
	require.True(t, bus.Unsubscribe(id))
	bus.Publish(event.NewPhaseStartedEvent("b1", "verify"))

	assert.Equal(t, strings.Join([]string{
		"phase execute",
		"  done a (iteration 2, 1 files)",
		"  retry b iteration 1: boom",
		"  wave 0: 2/3 tasks succeeded (2s)",
		"  failed after 2s: task failed",
		"",
	}, "\n"), buf.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second+200*time.Millisecond))
}
