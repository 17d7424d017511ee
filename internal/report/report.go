// Package report renders the markdown summary written at the end of every
// build run, successful or not.
package report

import (
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/phase"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/wave"
	"github.com/Iron-Ham/buildpilot/internal/ratelimit"
)

// FileName is the report's name inside the build directory.
const FileName = "report.md"

// Path returns where the report of buildID is written.
func Path(stateDir, buildID string) string {
	return filepath.Join(checkpoint.BuildDir(stateDir, buildID), FileName)
}

// Subtask is one row of the subtask table.
type Subtask struct {
	ID         string
	Status     string
	Iterations int
	Failures   int
	Files      int
	LastError  string
}

// Data contains everything the report template renders.
type Data struct {
	BuildID     string
	Title       string
	Outcome     string
	Status      checkpoint.Status
	StartedAt   time.Time
	Duration    time.Duration
	DryRun      bool
	FailedPhase string
	Error       string

	Phases        []phase.Timing
	Subtasks      []Subtask
	Waves         *wave.Result // nil for sequential builds
	Limiter       ratelimit.Stats
	Merges        []conflict.FileResolution
	Notifications []checkpoint.Notification

	// ReviewBranches are task branches kept because their work on a
	// shared file still needs a human.
	ReviewBranches []string
}

// Iterations returns the iterations summed over all subtasks.
func (d Data) Iterations() int {
	n := 0
	for _, s := range d.Subtasks {
		n += s.Iterations
	}
	return n
}

// Failures returns the failed iterations summed over all subtasks.
func (d Data) Failures() int {
	n := 0
	for _, s := range d.Subtasks {
		n += s.Failures
	}
	return n
}

// NeedsReview returns the files left for a human.
func (d Data) NeedsReview() []string {
	var files []string
	for _, m := range d.Merges {
		if !m.Decision.Applied() {
			files = append(files, m.File)
		}
	}
	return files
}

// Subtasks builds the subtask rows in plan order from the retry state and
// the persisted build state. Subtasks completed by an earlier run show as
// completed with no iterations.
func Subtasks(order []string, states map[string]*retry.TaskState, state *checkpoint.BuildState) []Subtask {
	rows := make([]Subtask, 0, len(order))
	for _, id := range order {
		row := Subtask{ID: id, Status: "pending"}
		if st, ok := states[id]; ok {
			row.Iterations = st.Iterations
			row.Failures = st.Failures
			row.Files = len(st.FilesModified)
			row.LastError = st.LastError
			switch {
			case st.Succeeded:
				row.Status = "completed"
			case st.TimedOut:
				row.Status = "timeout"
			case st.Iterations > 0:
				row.Status = "failed"
			}
		}
		if row.Status != "completed" && state != nil && state.IsCompleted(id) {
			row.Status = "completed"
		}
		rows = append(rows, row)
	}
	return rows
}

const reportTemplate = `# Build {{.BuildID}}{{if .Title}}: {{.Title}}{{end}}

- Outcome: **{{.Outcome}}**{{if .DryRun}} (dry run){{end}}
{{- if .Status}}
- Status: {{.Status}}
{{- end}}
{{- if not .StartedAt.IsZero}}
- Started: {{.StartedAt.UTC.Format "2006-01-02 15:04:05 MST"}}
{{- end}}
- Duration: {{dur .Duration}}
{{- if .FailedPhase}}
- Failed phase: {{.FailedPhase}}
{{- end}}
{{- if .Error}}

## Error

` + "```" + `
{{.Error}}
` + "```" + `
{{- end}}
{{- if .Phases}}

## Phases

| Phase | Duration | Error |
|---|---|---|
{{- range .Phases}}
| {{.Phase}} | {{dur .Duration}} | {{cell .Err}} |
{{- end}}
{{- end}}
{{- if .Subtasks}}

## Subtasks

{{.Iterations}} iterations, {{.Failures}} failed.

| Subtask | Status | Iterations | Failures | Files | Last error |
|---|---|---|---|---|---|
{{- range .Subtasks}}
| {{.ID}} | {{.Status}} | {{.Iterations}} | {{.Failures}} | {{.Files}} | {{cell .LastError}} |
{{- end}}
{{- end}}
{{- with .Waves}}

## Waves

| Wave | Result | Succeeded | Failed | Duration |
|---|---|---|---|---|
{{- range .Waves}}
| {{.Index}} | {{waveResult .}} | {{len .Succeeded}} | {{len .Failed}} | {{dur .Duration}} |
{{- end}}

- Tasks: {{.Metrics.TotalTasks}} total, {{.Metrics.Succeeded}} succeeded, {{.Metrics.Failed}} failed, {{.Metrics.Cancelled}} cancelled, {{.Metrics.Skipped}} skipped
- Wall time: {{dur .Metrics.WallTime}}, task time: {{dur .Metrics.TaskTime}}, parallel efficiency: {{printf "%.2f" .Metrics.ParallelEfficiency}}
{{- end}}

## Rate limiting

- Calls: {{.Limiter.Calls}}, rate limited: {{.Limiter.RateLimited}}, retries: {{.Limiter.Retries}}, throttles: {{.Limiter.Throttles}}
- Time waited: {{dur .Limiter.TotalWait}}
{{- if .Merges}}

## Merge decisions

| File | Decision | Conflicts | Reason |
|---|---|---|---|
{{- range .Merges}}
| {{.File}} | {{.Decision}} | {{len .Conflicts}} | {{cell .Reason}} |
{{- end}}
{{- with .NeedsReview}}

Needs human review: {{join . ", "}}
{{- end}}
{{- with .ReviewBranches}}

Task branches kept for review: {{join . ", "}}
{{- end}}
{{- end}}
{{- if .Notifications}}

## Notifications
{{range .Notifications}}
- [{{.Level}}] {{.Message}}
{{- end}}
{{- end}}
`

var tmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"dur":        formatDuration,
	"cell":       cell,
	"join":       strings.Join,
	"waveResult": waveResult,
}).Parse(reportTemplate))

// Render returns the markdown report.
func Render(d Data) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// Write renders d and writes it to Path(stateDir, d.BuildID), returning
// the path.
func Write(fs afero.Fs, stateDir string, d Data) (string, error) {
	out, err := Render(d)
	if err != nil {
		return "", err
	}
	path := Path(stateDir, d.BuildID)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// cell makes s safe for a single markdown table cell.
func cell(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	const limit = 120
	if r := []rune(s); len(r) > limit {
		s = string(r[:limit-3]) + "..."
	}
	return s
}

func waveResult(w wave.WaveResult) string {
	switch {
	case w.Cancelled:
		return "cancelled"
	case w.CriticalFailure:
		return "critical failure"
	case w.Success:
		return "ok"
	default:
		return "failed"
	}
}

// SortMerges orders merge decisions with files needing attention first.
func SortMerges(ms []conflict.FileResolution) {
	slices.SortStableFunc(ms, func(a, b conflict.FileResolution) int {
		if a.Decision.Applied() != b.Decision.Applied() {
			if !a.Decision.Applied() {
				return -1
			}
			return 1
		}
		return strings.Compare(a.File, b.File)
	})
}
