// Package watch implements the live terminal dashboard for gantry runs.
// It subscribes to the orchestrator's SSE event stream and renders run and
// job progress as events arrive.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI. Even with a single
// default theme, this keeps all colors in one place.
type Theme struct {
	// Job state colors
	StateSucceeded lipgloss.Style
	StateRunning   lipgloss.Style
	StateFailed    lipgloss.Style
	StateSkipped   lipgloss.Style
	StateWaiting   lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	// Indicators
	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StateSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateWaiting:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// stateStyle maps a job or run state name onto its display style.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "succeeded":
		return t.StateSucceeded
	case "running", "ready":
		return t.StateRunning
	case "failed":
		return t.StateFailed
	case "skipped", "cancelled":
		return t.StateSkipped
	default:
		return t.StateWaiting
	}
}
