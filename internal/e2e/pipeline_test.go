package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskserver/internal/api"
	"github.com/mattjoyce/taskserver/internal/channel"
	"github.com/mattjoyce/taskserver/internal/client"
	"github.com/mattjoyce/taskserver/internal/config"
	"github.com/mattjoyce/taskserver/internal/events"
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/log"
	"github.com/mattjoyce/taskserver/internal/protocol"
	"github.com/mattjoyce/taskserver/internal/scheduler"
	"github.com/mattjoyce/taskserver/internal/storage"
)

// stack is a running server: scheduler, journal and admin API, dialing agents
// over the real HTTP channel.
type stack struct {
	client  *client.Client
	journal *journal.Journal
}

func startStack(t *testing.T, heartbeat time.Duration) *stack {
	t.Helper()
	log.Setup("error")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jrnl := journal.New(db, 0, log.WithComponent("journal"))
	jrnl.Start()
	t.Cleanup(jrnl.Close)

	cfg := config.Defaults()
	cfg.Service.TickInterval = 25 * time.Millisecond
	cfg.Service.HeartbeatTimeout = heartbeat
	cfg.Channel.ConnectTimeout = 2 * time.Second

	hub := events.NewHub(256)
	dialer := channel.NewHTTPDialer(channel.Options{
		RetryInterval:  20 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		RequestTimeout: time.Second,
	}, nil, log.WithComponent("channel"))

	sched := scheduler.New(cfg, dialer, jrnl, hub, log.WithComponent("scheduler"))
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)

	ts := httptest.NewServer(api.New(api.Config{}, sched, jrnl, hub, log.WithComponent("api")).Handler())
	t.Cleanup(ts.Close)

	return &stack{client: client.New(ts.URL, 2*time.Second), journal: jrnl}
}

// startAgent serves an agent's channel backed by runner and returns its base URL.
func startAgent(t *testing.T, name string, runner channel.Runner) string {
	t.Helper()
	srv := channel.NewServer(name, runner, log.WithAgent(name))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts.URL
}

// gatedRunner keeps reporting progress until a value arrives on release.
func gatedRunner(release <-chan protocol.Status) channel.Runner {
	return channel.RunnerFunc(func(ctx context.Context, _ protocol.Goal, progress func()) protocol.Status {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return protocol.StatusAborted
			case st := <-release:
				return st
			case <-ticker.C:
				progress()
			}
		}
	})
}

func TestEndToEndDispatchInQueueOrder(t *testing.T) {
	s := startStack(t, 5*time.Second)
	ctx := context.Background()

	release := make(chan protocol.Status)
	endpoint := startAgent(t, "worker-1", gatedRunner(release))

	resp, err := s.client.RegisterAgent(ctx, "worker-1", "sim", endpoint)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	for _, spec := range []string{"a.launch", "b.launch"} {
		_, err := s.client.QueueTask(ctx, api.QueueTaskRequest{Workspace: "ws", Package: "nav", LaunchSpec: spec})
		require.NoError(t, err)
	}

	waitActive(t, s.client, "worker-1", "a.launch")
	queued, err := s.client.QueuedTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nav/b.launch"}, queued)

	// A failed run is dropped, not retried; the agent moves on to the next job.
	release <- protocol.StatusAborted
	waitActive(t, s.client, "worker-1", "b.launch")

	release <- protocol.StatusSucceeded
	require.Eventually(t, func() bool {
		active, err := s.client.ActiveTasks(ctx)
		return err == nil && len(active.AgentNames) == 0
	}, 5*time.Second, 20*time.Millisecond)

	queued, err = s.client.QueuedTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)

	var entries []journal.Entry
	require.Eventually(t, func() bool {
		entries, err = s.client.History(ctx, 10)
		return err == nil && len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// Newest first.
	assert.Equal(t, "b.launch", entries[0].LaunchSpec)
	assert.Equal(t, protocol.StatusSucceeded, entries[0].Status)
	assert.Equal(t, "a.launch", entries[1].LaunchSpec)
	assert.Equal(t, protocol.StatusAborted, entries[1].Status)
	for _, e := range entries {
		assert.Equal(t, journal.OutcomeFinished, e.Outcome)
		assert.Equal(t, "worker-1", e.Agent)
	}
}

func TestEndToEndSilentAgentIsEvictedAndJobRequeued(t *testing.T) {
	s := startStack(t, 300*time.Millisecond)
	ctx := context.Background()

	hang := channel.RunnerFunc(func(ctx context.Context, _ protocol.Goal, _ func()) protocol.Status {
		<-ctx.Done()
		return protocol.StatusAborted
	})
	endpoint := startAgent(t, "stuck", hang)

	_, err := s.client.RegisterAgent(ctx, "stuck", "sim", endpoint)
	require.NoError(t, err)
	_, err = s.client.QueueTask(ctx, api.QueueTaskRequest{Package: "nav", LaunchSpec: "a.launch"})
	require.NoError(t, err)

	waitActive(t, s.client, "stuck", "a.launch")

	require.Eventually(t, func() bool {
		agents, err := s.client.Agents(ctx)
		return err == nil && len(agents) == 0
	}, 5*time.Second, 20*time.Millisecond, "silent agent should be evicted")

	queued, err := s.client.QueuedTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nav/a.launch"}, queued)

	require.Eventually(t, func() bool {
		entries, err := s.client.History(ctx, 10)
		return err == nil && len(entries) == 1 && entries[0].Outcome == journal.OutcomeEvicted
	}, 5*time.Second, 20*time.Millisecond)

	// Re-registering brings the agent back.
	resp, err := s.client.RegisterAgent(ctx, "stuck", "sim", endpoint)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestEndToEndUnregisterBusyAgentRequeues(t *testing.T) {
	s := startStack(t, 5*time.Second)
	ctx := context.Background()

	release := make(chan protocol.Status)
	endpoint := startAgent(t, "worker-1", gatedRunner(release))

	_, err := s.client.RegisterAgent(ctx, "worker-1", "sim", endpoint)
	require.NoError(t, err)
	_, err = s.client.QueueTask(ctx, api.QueueTaskRequest{Package: "nav", LaunchSpec: "a.launch"})
	require.NoError(t, err)
	_, err = s.client.QueueTask(ctx, api.QueueTaskRequest{Package: "nav", LaunchSpec: "b.launch"})
	require.NoError(t, err)

	waitActive(t, s.client, "worker-1", "a.launch")
	require.NoError(t, s.client.UnregisterAgent(ctx, "worker-1"))

	queued, err := s.client.QueuedTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nav/b.launch", "nav/a.launch"}, queued, "recovered job goes to the tail")

	agents, err := s.client.Agents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestEndToEndEventStream(t *testing.T) {
	s := startStack(t, 5*time.Second)

	// Registered before subscribing; the stream replays buffered events.
	_, err := s.client.RegisterAgent(context.Background(), "late", "sim", "http://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registered := make(chan events.Event, 1)
	go func() {
		_, _ = s.client.Stream(ctx, 0, func(e events.Event) {
			if e.Type != events.AgentRegistered {
				return
			}
			select {
			case registered <- e:
			default:
			}
		})
	}()

	select {
	case e := <-registered:
		assert.Contains(t, string(e.Data), `"late"`)
	case <-time.After(5 * time.Second):
		t.Fatal("agent.registered never streamed")
	}
}

func waitActive(t *testing.T, c *client.Client, agent, label string) {
	t.Helper()
	require.Eventually(t, func() bool {
		active, err := c.ActiveTasks(context.Background())
		if err != nil {
			return false
		}
		for i, name := range active.AgentNames {
			if name == agent && i < len(active.JobLabels) && active.JobLabels[i] == label {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "%s never became active on %s", label, agent)
}
