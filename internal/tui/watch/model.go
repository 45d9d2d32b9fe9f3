package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/gantry/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health    HealthState
	runs      map[string]*RunState
	eventLog  []events.Event
	lastEvent time.Time

	// Live indicators
	ticker  Ticker
	spinner spinner.Model

	// UI state
	theme       Theme
	selectedRun int
	jobsTable   table.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = theme.Highlight

	tbl := table.New(
		table.WithColumns(jobColumns(60)),
		table.WithHeight(8),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = theme.Header.Padding(0, 1)
	styles.Selected = lipgloss.NewStyle()
	tbl.SetStyles(styles)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		runs:      make(map[string]*RunState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spinner:   sp,
		theme:     theme,
		jobsTable: tbl,
	}
}

func jobColumns(width int) []table.Column {
	name := width / 4
	if name < 12 {
		name = 12
	}
	return []table.Column{
		{Title: "JOB", Width: name},
		{Title: "STATE", Width: 10},
		{Title: "DETAIL", Width: width - name - 12},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selectedRun > 0 {
				m.selectedRun--
			}
		case "down", "j":
			if m.selectedRun < len(m.runs)-1 {
				m.selectedRun++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobsTable.SetColumns(jobColumns(m.width - 8))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.ticker.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Event log, newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.lastEvent = time.Now()
		updateRunState(m.runs, e)

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workflows = msg.Workflows
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to gantry..."
	}

	spin := ""
	if time.Since(m.lastEvent) < 10*time.Second && !m.lastEvent.IsZero() {
		spin = m.spinner.View()
	}

	header := renderHeader(m.health, m.ticker, spin, m.lastEvent, m.theme, m.width)
	runs := renderRuns(m.runs, m.selectedRun, m.theme, m.width)
	jobs := m.renderSelectedJobs()
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StateFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select Run")

	parts := []string{header, runs, jobs, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// renderSelectedJobs shows the job table for the currently selected run.
func (m Model) renderSelectedJobs() string {
	innerWidth := m.width - 4

	ids := sortedRunIDs(m.runs)
	if m.selectedRun >= len(ids) {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("JOBS"),
			m.theme.Dim.Render("  Select a run to inspect its jobs"),
		)
		return m.theme.Border.Width(innerWidth).Render(content)
	}

	r := m.runs[ids[m.selectedRun]]
	rows := make([]table.Row, 0, len(r.Jobs))
	for _, jobID := range sortedJobIDs(r.Jobs) {
		job := r.Jobs[jobID]
		detail := job.Reason
		if job.State == "succeeded" && len(job.Outputs) > 0 {
			detail = fmt.Sprintf("%d output(s)", len(job.Outputs))
		}
		rows = append(rows, table.Row{
			jobID,
			m.theme.stateStyle(job.State).Render(job.State),
			detail,
		})
	}

	tbl := m.jobsTable
	tbl.SetRows(rows)

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("JOBS — %s", r.Workflow)),
		tbl.View(),
	)
	return m.theme.Border.Width(innerWidth).Render(content)
}
