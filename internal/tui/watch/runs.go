package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/gantry/internal/events"
)

// RunState tracks one run discovered from the event stream.
type RunState struct {
	ID        string
	Workflow  string
	Status    string
	Jobs      map[string]*JobState
	StartedAt time.Time
	UpdatedAt time.Time
}

// JobState tracks one job within a run.
type JobState struct {
	ID        string
	State     string
	Reason    string
	Outputs   map[string]string
	UpdatedAt time.Time
}

// updateRunState folds one event into the run tracking maps.
func updateRunState(runs map[string]*RunState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	runID, _ := data["run_id"].(string)
	if runID == "" {
		return
	}

	r, ok := runs[runID]
	if !ok {
		r = &RunState{ID: runID, Status: "running", Jobs: make(map[string]*JobState), StartedAt: time.Now()}
		runs[runID] = r
	}
	r.UpdatedAt = time.Now()
	if wf, ok := data["workflow"].(string); ok && wf != "" {
		r.Workflow = wf
	}

	switch e.Type {
	case events.TypeRunStarted:
		r.Status = "running"

	case events.TypeJobState:
		jobID, _ := data["job"].(string)
		if jobID == "" {
			return
		}
		job, ok := r.Jobs[jobID]
		if !ok {
			job = &JobState{ID: jobID}
			r.Jobs[jobID] = job
		}
		if to, ok := data["to"].(string); ok {
			job.State = to
		}
		if reason, ok := data["reason"].(string); ok {
			job.Reason = reason
		}
		job.UpdatedAt = time.Now()

	case events.TypeJobOutput:
		jobID, _ := data["job"].(string)
		job, ok := r.Jobs[jobID]
		if !ok {
			return
		}
		if outs, ok := data["outputs"].(map[string]any); ok {
			job.Outputs = make(map[string]string, len(outs))
			for k, v := range outs {
				job.Outputs[k], _ = v.(string)
			}
		}

	case events.TypeRunFinished:
		if status, ok := data["status"].(string); ok {
			r.Status = status
		}

	case events.TypeRunCancelled:
		r.Status = "cancelled"
	}
}

// sortedRunIDs returns run IDs newest first.
func sortedRunIDs(runs map[string]*RunState) []string {
	ids := make([]string, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return runs[ids[i]].StartedAt.After(runs[ids[j]].StartedAt)
	})
	return ids
}

func sortedJobIDs(jobs map[string]*JobState) []string {
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func renderRuns(runs map[string]*RunState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(runs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("RUNS"),
			theme.Dim.Render("  No run activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ids := sortedRunIDs(runs)
	var lines []string
	for i, id := range ids {
		if i >= 8 {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("  ... and %d more", len(ids)-i)))
			break
		}
		lines = append(lines, renderRunRow(i+1, runs[id], i == selected, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("RUNS")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderRunRow(num int, r *RunState, isSelected bool, theme Theme) string {
	running := 0
	for _, j := range r.Jobs {
		if j.State == "running" {
			running++
		}
	}

	var activity string
	if running > 0 {
		activity = theme.StateRunning.Render(fmt.Sprintf("[%d running]", running))
	} else {
		activity = theme.stateStyle(r.Status).Render("[" + r.Status + "]")
	}

	shortID := r.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	ago := time.Since(r.StartedAt).Round(time.Second)
	return fmt.Sprintf(" %d. %s %s  %s  %s",
		num,
		nameStyle.Render(fmt.Sprintf("%-20s", r.Workflow)),
		theme.Highlight.Render(shortID),
		activity,
		theme.Dim.Render(formatAgo(ago)),
	)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
