package plan

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// waveView holds one wave for rendering.
type waveView struct {
	Number   int
	Subtasks []Subtask
}

// displayData holds data for rendering a plan summary
type displayData struct {
	ID       string
	Title    string
	Total    int
	Parallel bool
	Waves    []waveView
}

const displayTemplate = `Plan {{.ID}}{{if .Title}}: {{.Title}}{{end}}
Subtasks: {{.Total}} total in {{len .Waves}} waves{{if not .Parallel}} (sequential){{end}}
{{range .Waves}}
Wave {{.Number}}{{if eq .Number 1}} (can start immediately){{else}} (after wave {{dec .Number}}){{end}}:
{{- range .Subtasks}}
  - [{{.ID}}] {{title .}}{{if .Critical}} (critical){{end}}
{{- if .Files}}
    Files: {{join .Files ", "}}
{{- end}}
{{- if or .Verification.Command .Verification.TestCommand}}
    Verify: {{verifyCmd .}}
{{- end}}
{{- end}}
{{end}}`

var displayFuncs = template.FuncMap{
	"join": strings.Join,
	"dec":  func(n int) int { return n - 1 },
	"title": func(s Subtask) string {
		if s.Title != "" {
			return s.Title
		}
		line, _, _ := strings.Cut(strings.TrimSpace(s.Description), "\n")
		return truncateTitle(line, 60)
	},
	"verifyCmd": func(s Subtask) string {
		var parts []string
		for _, c := range []string{s.Verification.Command, s.Verification.TestCommand} {
			if c = strings.TrimSpace(c); c != "" {
				parts = append(parts, c)
			}
		}
		return strings.Join(parts, " && ")
	},
}

var display = template.Must(template.New("plan").Funcs(displayFuncs).Parse(displayTemplate))

// Format renders p for terminal display, e.g. for a dry run.
func Format(p *Plan) (string, error) {
	data := displayData{
		ID:       p.ID,
		Title:    p.Title,
		Total:    len(p.Subtasks),
		Parallel: p.IsParallel(),
	}
	for i, g := range p.groups() {
		wv := waveView{Number: i + 1}
		for _, id := range g {
			s, _ := p.Subtask(id)
			wv.Subtasks = append(wv.Subtasks, s)
		}
		data.Waves = append(data.Waves, wv)
	}

	var buf bytes.Buffer
	if err := display.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render plan: %w", err)
	}
	return buf.String(), nil
}

func truncateTitle(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
