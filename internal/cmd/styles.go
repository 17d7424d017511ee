package cmd

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/buildpilot/internal/checkpoint"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator"
)

// palette renders styled text, or plain text when the output is not a
// terminal.
type palette struct {
	enabled bool

	title lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	muted lipgloss.Style
}

func newPalette(w io.Writer) palette {
	f, isFile := w.(*os.File)
	return palette{
		enabled: isFile && term.IsTerminal(int(f.Fd())),
		title:   lipgloss.NewStyle().Bold(true),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (p palette) render(s lipgloss.Style, text string) string {
	if !p.enabled {
		return text
	}
	return s.Render(text)
}

func (p palette) Title(text string) string { return p.render(p.title, text) }
func (p palette) Muted(text string) string { return p.render(p.muted, text) }

func (p palette) Outcome(o orchestrator.Outcome) string {
	switch o {
	case orchestrator.OutcomeSuccess:
		return p.render(p.ok, string(o))
	case orchestrator.OutcomePaused:
		return p.render(p.warn, string(o))
	default:
		return p.render(p.fail, string(o))
	}
}

func (p palette) Status(s checkpoint.Status) string {
	switch s {
	case checkpoint.StatusCompleted:
		return p.render(p.ok, string(s))
	case checkpoint.StatusFailed, checkpoint.StatusAbandoned:
		return p.render(p.fail, string(s))
	case checkpoint.StatusPaused, checkpoint.StatusInProgress:
		return p.render(p.warn, string(s))
	default:
		return string(s)
	}
}

func (p palette) Level(level string) string {
	switch level {
	case checkpoint.LevelError:
		return p.render(p.fail, level)
	case checkpoint.LevelWarning:
		return p.render(p.warn, level)
	default:
		return p.render(p.muted, level)
	}
}
