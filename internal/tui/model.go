// Package tui is the terminal front end of a sync client.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"syncwatch/internal/playback"
	"syncwatch/internal/syncer"
)

// Controller is the part of a sync session the UI drives.
type Controller interface {
	Connect()
	Disconnect()
	Resync()
	Publish()
}

// StatusMsg carries a session status report into the program.
type StatusMsg syncer.Status

type tickMsg time.Time

const tickInterval = 250 * time.Millisecond

var (
	barStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	stateStyles = map[syncer.State]lipgloss.Style{
		syncer.Disconnected:         lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		syncer.Connecting:           lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		syncer.AwaitingInitialState: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		syncer.Synchronized:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type Model struct {
	engine   *playback.Virtual
	session  Controller
	seekStep time.Duration
	status   syncer.Status
	width    int
}

func New(engine *playback.Virtual, session Controller, seekStep time.Duration) Model {
	if seekStep <= 0 {
		seekStep = 5 * time.Second
	}
	return Model{engine: engine, session: session, seekStep: seekStep}
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case StatusMsg:
		m.status = syncer.Status(msg)

	case tickMsg:
		return m, tickCmd()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.session.Disconnect()
			return m, tea.Quit
		case " ":
			m.engine.Toggle()
		case "left":
			m.engine.Seek(m.engine.Position() - m.seekStep.Seconds())
		case "right":
			m.engine.Seek(m.engine.Position() + m.seekStep.Seconds())
		case "r":
			m.session.Resync()
		case "p":
			m.session.Publish()
		case "c":
			m.session.Connect()
		}
	}
	return m, nil
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) View() string {
	icon := "⏸"
	if m.engine.Playing() {
		icon = "▶"
	}
	position := fmt.Sprintf("%s %s / %s", icon,
		formatDuration(m.engine.Position()), formatDuration(m.engine.Duration()))

	state := stateStyles[m.status.State].Render(m.status.State.String())
	if m.status.Self != 0 {
		state += fmt.Sprintf(" as #%d", m.status.Self)
	}

	bar := barStyle
	if m.width > 2 {
		bar = bar.Width(m.width - 2)
	}

	var b strings.Builder
	b.WriteString(bar.Render(position + "   " + state))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("space play/pause · ←/→ seek · r resync · p publish · c reconnect · q quit"))
	return b.String()
}

func formatDuration(seconds float64) string {
	total := int(seconds)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
