package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/taskserver/internal/api"
	"github.com/mattjoyce/taskserver/internal/client"
	"github.com/mattjoyce/taskserver/internal/events"
	"github.com/mattjoyce/taskserver/internal/registry"
)

type eventMsg events.Event

// snapshotMsg is one poll of the dispatcher's introspection endpoints.
type snapshotMsg struct {
	health api.HealthzResponse
	agents []registry.Info
	active api.ActiveTasksResponse
	queued []string
}

type tickMsg time.Time

type errMsg error

type streamClosedMsg struct{ lastID int64 }
type reconnectMsg struct{}

const pollInterval = 2 * time.Second

// subscribe streams /events into ch until the connection drops.
func subscribe(c *client.Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		last, _ := c.Stream(context.Background(), lastID, func(ev events.Event) {
			ch <- ev
		})
		return streamClosedMsg{lastID: last}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchSnapshot(c *client.Client) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
	defer cancel()

	var snap snapshotMsg
	var err error
	if snap.health, err = c.Health(ctx); err != nil {
		return errMsg(err)
	}
	if snap.agents, err = c.Agents(ctx); err != nil {
		return errMsg(err)
	}
	if snap.active, err = c.ActiveTasks(ctx); err != nil {
		return errMsg(err)
	}
	if snap.queued, err = c.QueuedTasks(ctx); err != nil {
		return errMsg(err)
	}
	return snap
}

func schedulePoll(c *client.Client) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchSnapshot(c) })
}
