// Package ui renders findings, runs, and history for the terminal. All
// styling goes through lipgloss; a plain mode covers --no-color and
// non-TTY output.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"flowlint/internal/policy"
	"flowlint/internal/runner"
)

// Semantic colors, shared by light and dark terminals.
var (
	colorError   = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorSuccess = lipgloss.Color("#8BC34A")
	colorMuted   = lipgloss.Color("#808080")
	colorAccent  = lipgloss.Color("#8BC34A")
)

// Styles holds the styled components. Zero values render plain text, which
// is what Plain() returns for --no-color and piped output.
type Styles struct {
	NoColor bool

	Title   lipgloss.Style
	Path    lipgloss.Style
	Rule    lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Spinner lipgloss.Style
}

// NewStyles builds the colored style set.
func NewStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		Path:    lipgloss.NewStyle().Bold(true),
		Rule:    lipgloss.NewStyle().Foreground(colorMuted),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Bold:    lipgloss.NewStyle().Bold(true),
		Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(colorWarning).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(colorInfo),
		Success: lipgloss.NewStyle().Foreground(colorSuccess).Bold(true),
		Spinner: lipgloss.NewStyle().Foreground(colorAccent),
	}
}

// Plain returns unstyled styles for non-TTY output and --no-color.
func Plain() Styles {
	return Styles{NoColor: true}
}

// Severity returns the style for a finding severity.
func (s Styles) Severity(sev policy.Severity) lipgloss.Style {
	switch sev {
	case policy.SeverityError:
		return s.Error
	case policy.SeverityWarning:
		return s.Warning
	default:
		return s.Info
	}
}

// Status returns the style for a run or step status.
func (s Styles) Status(st runner.Status) lipgloss.Style {
	switch st {
	case runner.StatusSuccess:
		return s.Success
	case runner.StatusFailure:
		return s.Error
	case runner.StatusCancelled:
		return s.Warning
	default:
		return s.Muted
	}
}

// Glyph returns the one-character marker for a status.
func Glyph(st runner.Status) string {
	switch st {
	case runner.StatusSuccess:
		return "✓"
	case runner.StatusFailure:
		return "✗"
	case runner.StatusCancelled:
		return "!"
	default:
		return "·"
	}
}
