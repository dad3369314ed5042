package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taskserver/internal/client"
	"github.com/mattjoyce/taskserver/internal/events"
)

const maxEventLog = 50

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *client.Client

	width  int
	height int

	health    HealthState
	rows      []AgentRow
	queued    []string
	lastByAgt map[string]string
	eventLog  []events.Event
	lastID    int64

	ticker   Ticker
	activity Activity
	agents   table.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model polling and streaming from c.
func New(c *client.Client) *Model {
	return &Model{
		client:    c,
		lastByAgt: make(map[string]string),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		agents:    newAgentTable(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchSnapshot(m.client) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.agents, cmd = m.agents.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m = m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case snapshotMsg:
		m = m.applySnapshot(msg)
		return m, schedulePoll(m.client)

	case streamClosedMsg:
		m.lastID = max(m.lastID, msg.lastID)
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribe(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, schedulePoll(m.client)
	}

	return m, nil
}

func (m Model) applyEvent(e events.Event) Model {
	m.lastID = max(m.lastID, e.ID)
	m.health.Connected = true
	m.lastError = ""

	if e.Type == events.SchedulerTick {
		m.ticker.Tick(m.now())
		return m
	}

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.activity.OnEvent(m.now())
	trackAgentEvent(m.lastByAgt, e)
	return m
}

func (m Model) applySnapshot(s snapshotMsg) Model {
	m.health.HealthzResponse = s.health
	m.health.Connected = true
	m.health.LastCheck = m.now()
	m.rows = buildAgentRows(s.agents, s.active.AgentNames, s.active.JobLabels, m.lastByAgt)
	m.agents.SetRows(toTableRows(m.rows))
	m.queued = s.queued
	m.lastError = ""
	return m
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.client.BaseURL() + "..."
	}

	now := m.now()
	parts := []string{
		renderHeader(m.health, m.ticker, m.activity, m.theme, m.width, now),
		renderAgents(m.agents, m.theme, m.width),
		renderQueue(m.queued, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select agent"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
