package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/taskserver/internal/api"
)

// HealthState is the last /healthz reading plus connection status.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.Idle.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.Failed.Render("CONNECTING")
	case ticker.Stalled(now, 10*time.Second):
		statusText = theme.Busy.Render("NO TICKS")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.Failed.Render("DEGRADED")
	}

	lastEventStr := "never"
	if !activity.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	titleText := fmt.Sprintf(" TASKSERVER WATCH %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  agents %d  busy %d  connecting %d  queued %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Agents,
		health.Busy,
		health.Connecting,
		health.QueueDepth,
	)
	if health.ConfigFingerprint != "" {
		fp := health.ConfigFingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		statsLine += theme.Dim.Render("  cfg " + fp)
	}

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
