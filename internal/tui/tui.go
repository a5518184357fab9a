// Package tui renders the live mural dashboard: project header, overall
// progress, a per-band strip and the current worker assignments,
// refreshed from the ledger on a timer.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"muralcraft.ai/internal/ledger"
)

const refreshInterval = time.Second

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F07613"))
	boxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	activeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#70B919"))
	pausedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F8C527"))
	inactiveStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#888888"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5533B"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	assignedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#3AAFD9"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#70B919"))
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).MarginTop(1)
)

type snapshotMsg struct {
	project *ledger.Project
	stats   ledger.Stats
	bands   []ledger.BandState
	err     error
}

// Model is the dashboard state. It owns no goroutines: every refresh is
// a tea command that reads the ledger and comes back as a snapshotMsg.
type Model struct {
	led *ledger.Ledger

	width  int
	height int
	bar    progress.Model

	project *ledger.Project
	stats   ledger.Stats
	bands   []ledger.BandState
	loadErr string
	status  string
}

func NewModel(led *ledger.Ledger) Model {
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 60
	return Model{led: led, bar: bar, width: 100}
}

// Run drives the dashboard until the user quits.
func Run(led *ledger.Ledger) error {
	_, err := tea.NewProgram(NewModel(led), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.fetchSnapshot()
}

func (m Model) fetchSnapshot() tea.Cmd {
	led := m.led
	return func() tea.Msg {
		return buildSnapshot(led)
	}
}

func (m Model) scheduleRefresh() tea.Cmd {
	led := m.led
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return buildSnapshot(led)
	})
}

func buildSnapshot(led *ledger.Ledger) snapshotMsg {
	project, err := led.ProjectState()
	if err != nil {
		return snapshotMsg{err: err}
	}
	if project == nil {
		return snapshotMsg{}
	}
	stats, err := led.Stats()
	if err != nil {
		return snapshotMsg{project: project, err: err}
	}
	bands, err := led.Bands()
	if err != nil {
		return snapshotMsg{project: project, err: err}
	}
	return snapshotMsg{project: project, stats: stats, bands: bands}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = min(max(20, msg.Width-10), 60)
		return m, nil

	case snapshotMsg:
		if msg.err != nil {
			m.loadErr = msg.err.Error()
		} else {
			m.loadErr = ""
			m.project = msg.project
			m.stats = msg.stats
			m.bands = msg.bands
		}
		return m, m.scheduleRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchSnapshot()
		case " ":
			return m.togglePause()
		}
	}
	return m, nil
}

func (m Model) togglePause() (tea.Model, tea.Cmd) {
	if m.project == nil || !m.project.Active {
		m.status = "no active project to pause"
		return m, nil
	}
	paused := !m.project.Paused
	if paused {
		m.status = "pausing fleet"
	} else {
		m.status = "resuming fleet"
	}
	led := m.led
	return m, func() tea.Msg {
		if err := led.SetPaused(paused); err != nil {
			return snapshotMsg{err: err}
		}
		return buildSnapshot(led)
	}
}

func (m Model) View() string {
	header := headerStyle.Render("❖ MURAL FLEET")

	var body string
	if m.project == nil {
		body = labelStyle.Render("No mural project. Start one with: muralctl start -image <path>")
	} else {
		body = lipgloss.JoinVertical(lipgloss.Left,
			m.renderProject(),
			"",
			m.renderProgress(),
			"",
			m.renderBandStrip(),
			m.renderWorkers(),
		)
	}
	box := boxStyle.Width(max(40, min(m.width-2, 96))).Render(body)

	footer := footerStyle.Render("space → pause/resume    r → refresh    q → quit")
	sections := []string{header, box, footer}
	if m.loadErr != "" {
		sections = append(sections, errStyle.Render("⚠ "+m.loadErr))
	}
	if m.status != "" {
		sections = append(sections, labelStyle.Render(m.status))
	}
	return strings.Join(sections, "\n")
}

func (m Model) renderProject() string {
	p := m.project
	state := activeStyle.Render("ACTIVE")
	switch {
	case !p.Active:
		state = inactiveStyle.Render("INACTIVE")
	case p.Paused:
		state = pausedStyle.Render("PAUSED")
	}
	line1 := fmt.Sprintf("%s  %s", state, p.ImageSource)
	line2 := labelStyle.Render(fmt.Sprintf(
		"%dx%d cells · %s quantizer · %d bands of width %d · started %s",
		p.GridW, p.GridH, p.Algorithm, p.TotalBands, p.BandWidth,
		p.CreatedAt.Format("2006-01-02 15:04"),
	))
	return lipgloss.JoinVertical(lipgloss.Left, line1, line2)
}

func (m Model) renderProgress() string {
	frac := 0.0
	if m.stats.TotalCells > 0 {
		frac = float64(m.stats.PlacedCells) / float64(m.stats.TotalCells)
	}
	counts := labelStyle.Render(fmt.Sprintf(
		"%d / %d cells placed · bands %d pending · %d painting · %d done",
		m.stats.PlacedCells, m.stats.TotalCells,
		m.stats.PendingBands, m.stats.AssignedBands, m.stats.CompletedBands,
	))
	return lipgloss.JoinVertical(lipgloss.Left, m.bar.ViewAs(frac), counts)
}

// renderBandStrip draws one glyph per band so a whole mural's claim
// state reads at a glance.
func (m Model) renderBandStrip() string {
	if len(m.bands) == 0 {
		return ""
	}
	stripWidth := max(16, min(m.width-10, 80))
	var rows []string
	var row strings.Builder
	count := 0
	for _, b := range m.bands {
		switch b.Status {
		case ledger.StatusCompleted:
			row.WriteString(completedStyle.Render("█"))
		case ledger.StatusAssigned:
			row.WriteString(assignedStyle.Render("▓"))
		default:
			row.WriteString(pendingStyle.Render("░"))
		}
		count++
		if count == stripWidth {
			rows = append(rows, row.String())
			row.Reset()
			count = 0
		}
	}
	if count > 0 {
		rows = append(rows, row.String())
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderWorkers() string {
	var lines []string
	for _, b := range m.bands {
		if b.Status != ledger.StatusAssigned {
			continue
		}
		age := ""
		if !b.AssignedAt.IsZero() {
			age = " · " + humanizeDuration(time.Since(b.AssignedAt))
		}
		lines = append(lines, fmt.Sprintf("band %d → %s%s", b.Index, b.AssignedTo, age))
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n" + labelStyle.Render(strings.Join(lines, "\n"))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
