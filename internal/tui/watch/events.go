package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/gantry/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeRunFinished:
		typeStyle = theme.StateSucceeded
	case events.TypeRunCancelled:
		typeStyle = theme.StateFailed
	case events.TypeRunStarted:
		typeStyle = theme.StateRunning
	case events.TypeJobOutput:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-14s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if runID, ok := data["run_id"].(string); ok {
		if len(runID) > 8 {
			runID = runID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", runID))
	}
	if wf, ok := data["workflow"].(string); ok && wf != "" {
		parts = append(parts, wf)
	}
	if job, ok := data["job"].(string); ok && job != "" {
		parts = append(parts, job)
	}
	if to, ok := data["to"].(string); ok {
		parts = append(parts, to)
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		parts = append(parts, "("+reason+")")
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
