package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const maxQueueLines = 8

func renderQueue(labels []string, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render(fmt.Sprintf("QUEUE (%d)", len(labels)))

	if len(labels) == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  Empty")),
		)
	}

	var lines []string
	for i, label := range labels {
		if i == maxQueueLines {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("... %d more", len(labels)-maxQueueLines)))
			break
		}
		marker := theme.Queued.Render(fmt.Sprintf("%2d.", i+1))
		if i == 0 {
			marker = theme.Highlight.Render("next")
		}
		lines = append(lines, fmt.Sprintf("%s %s", marker, label))
	}

	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}
