// Package watch implements the taskserver watch TUI: dispatcher health,
// agent occupancy, the queue, and the live event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every color in one place.
type Theme struct {
	Idle       lipgloss.Style
	Busy       lipgloss.Style
	Connecting lipgloss.Style
	Failed     lipgloss.Style
	Queued     lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Idle:       lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Busy:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Connecting: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Failed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Queued:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
