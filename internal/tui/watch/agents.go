package watch

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taskserver/internal/events"
	"github.com/mattjoyce/taskserver/internal/registry"
)

// AgentRow is one line of the agents table.
type AgentRow struct {
	Name string
	Kind string
	// Job is the active launch spec, empty when idle.
	Job string
	// Last is the most recent lifecycle event seen for the agent.
	Last string
}

func newAgentTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Agent", Width: 16},
			{Title: "Kind", Width: 10},
			{Title: "State", Width: 6},
			{Title: "Job", Width: 28},
			{Title: "Last", Width: 14},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// buildAgentRows joins the registry listing with the parallel active lists.
func buildAgentRows(agents []registry.Info, activeNames, activeLabels []string, last map[string]string) []AgentRow {
	jobs := make(map[string]string, len(activeNames))
	for i, name := range activeNames {
		if i < len(activeLabels) {
			jobs[name] = activeLabels[i]
		}
	}

	rows := make([]AgentRow, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, AgentRow{
			Name: a.Name,
			Kind: a.Kind,
			Job:  jobs[a.Name],
			Last: last[a.Name],
		})
	}
	return rows
}

func toTableRows(rows []AgentRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		state := "idle"
		if r.Job != "" {
			state = "busy"
		}
		out = append(out, table.Row{r.Name, r.Kind, state, r.Job, r.Last})
	}
	return out
}

// trackAgentEvent records lifecycle events per agent name.
func trackAgentEvent(last map[string]string, e events.Event) {
	if !strings.HasPrefix(e.Type, "agent.") {
		return
	}
	var data struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(e.Data, &data) != nil || data.Name == "" {
		return
	}
	if e.Type == events.AgentUnregistered {
		delete(last, data.Name)
		return
	}
	last[data.Name] = strings.TrimPrefix(e.Type, "agent.")
}

func renderAgents(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("AGENTS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}
