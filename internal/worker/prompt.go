package worker

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"

	"github.com/Iron-Ham/buildpilot/internal/conflict"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/retry"
)

// TaskPrompt is the prompt template for one iteration of a subtask.
const TaskPrompt = `You are working on subtask {{.Task.ID}}{{if .Task.Title}} ({{.Task.Title}}){{end}}{{if .Exec.StoryID}} of story {{.Exec.StoryID}}{{end}}.
This is iteration {{.Exec.Iteration}} of {{.Exec.MaxIterations}}.

## Task
{{.Task.Description}}
{{- if .Task.Files}}

## Files you are expected to touch
{{- range .Task.Files}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Hints}}

## Context
{{- range .Hints}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Exec.PreviousError}}

## Previous attempt failed
{{.Exec.PreviousError}}
{{- end}}
{{- if .Exec.Critique}}

## Self-critique of the previous attempt
{{.Exec.Critique}}
{{- end}}
{{- if .Verify}}

## Verification
Your work will be checked with: {{.Verify}}
{{- end}}

## Response Format

Make the changes directly in the working directory. When you are done, print a
single line of JSON as the LAST line of your output:
{"success": true|false, "files_modified": ["path", ...], "error": "reason if unsuccessful"}
`

// CritiquePrompt asks the worker to analyse a failed iteration.
const CritiquePrompt = `Subtask {{.Task.ID}} failed on iteration {{.Attempt.Iteration}}.

## Task
{{.Task.Description}}

## Failure
{{.Attempt.Error}}
{{- if .Attempt.Output}}

## Output
{{.Attempt.Output}}
{{- end}}

In at most a few sentences, explain the most likely cause of the failure and
the different approach the next attempt should take. Do not modify any files.
`

// MergePrompt asks the worker to reconcile concurrent edits of one file.
const MergePrompt = `Several tasks edited {{.File}} concurrently and their changes conflict.
Produce a single version of the file that preserves the intent of every task.

## Conflicts
{{- range .Conflicts}}
- {{.Location}}: {{index .TasksInvolved 0}} ({{index .ChangeTypes 0}}) vs {{index .TasksInvolved 1}} ({{index .ChangeTypes 1}}), severity {{.Severity}}
{{- end}}

## Original
` + "```" + `
{{.Baseline}}
` + "```" + `
{{range .Versions}}
## Version from task {{.TaskID}}{{if .Intent}}: {{.Intent}}{{end}}
` + "```" + `
{{.Content}}
` + "```" + `
{{end}}
Respond with the complete merged file inside exactly one fenced code block.
`

var (
	taskTmpl     = template.Must(template.New("task").Parse(TaskPrompt))
	critiqueTmpl = template.Must(template.New("critique").Parse(CritiquePrompt))
	mergeTmpl    = template.Must(template.New("merge").Parse(MergePrompt))
)

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// BuildTaskPrompt renders the prompt for one iteration of task.
func BuildTaskPrompt(task executor.Task, ectx executor.ExecContext) (string, error) {
	var hints []string
	for _, k := range slices.Sorted(maps.Keys(task.Context)) {
		hints = append(hints, k+": "+task.Context[k])
	}
	var checks []string
	for _, c := range []string{task.Verification.Command, task.Verification.TestCommand} {
		if c = strings.TrimSpace(c); c != "" {
			checks = append(checks, "`"+c+"`")
		}
	}
	return render(taskTmpl, map[string]any{
		"Task":   task,
		"Exec":   ectx,
		"Hints":  hints,
		"Verify": strings.Join(checks, " and "),
	})
}

// BuildCritiquePrompt renders the self-critique prompt.
func BuildCritiquePrompt(task executor.Task, attempt retry.Attempt) (string, error) {
	return render(critiqueTmpl, map[string]any{"Task": task, "Attempt": attempt})
}

// BuildMergePrompt renders the conflict resolution prompt.
func BuildMergePrompt(req conflict.AIRequest) (string, error) {
	return render(mergeTmpl, req)
}
