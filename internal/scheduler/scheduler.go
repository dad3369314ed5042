// Package scheduler runs the dispatch loop: it hands queued jobs to idle
// agents, brings agent channels up, takes finished jobs back, and evicts
// agents whose running job stops reporting progress.
//
// All registry and queue state is guarded by one mutex. The tick and every
// admin operation hold it, so an agent can never be evicted by the tick while
// an admin call is unregistering it. Network calls to agents (channel
// bootstrap and goal sends) run on their own goroutines and take the lock
// only to hand their result back, so one slow agent never stalls the tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/taskserver/internal/channel"
	"github.com/mattjoyce/taskserver/internal/config"
	"github.com/mattjoyce/taskserver/internal/events"
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/protocol"
	"github.com/mattjoyce/taskserver/internal/queue"
	"github.com/mattjoyce/taskserver/internal/registry"
)

// ErrAgentAlreadyRegistered is returned by RegisterAgent for a known name.
var ErrAgentAlreadyRegistered = registry.ErrAgentAlreadyRegistered

// Stats is a point-in-time summary for health checks and the monitor.
type Stats struct {
	Agents     int `json:"agents"`
	Busy       int `json:"busy"`
	Connecting int `json:"connecting"`
	Queued     int `json:"queued"`
}

// Scheduler owns the agent registry and the task queue.
type Scheduler struct {
	cfg      *config.Config
	dialer   channel.Dialer
	recorder Recorder
	events   *events.Hub
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	registry *registry.Registry
	queue    *queue.Queue

	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg         sync.WaitGroup
	bootWG     sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// New creates a Scheduler. A nil recorder discards journal entries and a nil
// hub gets a private one.
func New(cfg *config.Config, dialer channel.Dialer, recorder Recorder, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Scheduler{
		cfg:      cfg,
		dialer:   dialer,
		recorder: recorder,
		events:   hub,
		logger:   logger,
		now:      time.Now,
		registry: registry.New(),
		queue:    queue.New(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.dialer == nil {
		return fmt.Errorf("scheduler: no channel dialer configured")
	}
	s.logger.Info("Starting scheduler",
		"tick_interval", s.cfg.Service.TickInterval.String(),
		"heartbeat_timeout", s.cfg.Service.HeartbeatTimeout.String(),
	)

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop, abandons in-flight bootstraps and goal sends, then
// closes every channel. Registry and queue contents are discarded with the process.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.bootWG.Wait()
		s.dispatchWG.Wait()

		s.mu.Lock()
		for _, a := range s.registry.Agents() {
			if a.Channel != nil {
				_ = a.Channel.Close()
			}
		}
		s.mu.Unlock()
		s.logger.Info("Scheduler stopped")
	})
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick runs the three passes in order under the lock.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assign(ctx)
	s.bootstrapAndReclaim(ctx)
	s.evictSilent()

	s.events.Publish(events.SchedulerTick, map[string]any{
		"queued": s.queue.Len(),
		"agents": s.registry.Len(),
		"busy":   s.registry.BusyCount(),
	})
}

// assign offers the queue head to each idle agent in registry order. The pass
// ends as soon as the queue is empty.
func (s *Scheduler) assign(ctx context.Context) {
	for _, a := range s.registry.Agents() {
		if s.queue.Len() == 0 {
			return
		}
		if a.State != registry.StateReady {
			continue
		}
		status := a.Channel.State()
		if !status.IsTerminal() {
			continue
		}
		if a.Busy() {
			// Finished since the last reclamation pass.
			s.finish(a, status)
		}

		job, _ := s.queue.Dequeue()
		s.dispatch(ctx, a, job)
	}
}

// dispatch hands job to a and starts sending the goal off the lock. The agent
// holds the job from here on, so an unregister while the send is in flight
// still requeues it.
func (s *Scheduler) dispatch(ctx context.Context, a *registry.Agent, job queue.Job) {
	now := s.now()
	job.Attempt++
	goal := protocol.Goal{
		Protocol:   protocol.Version,
		GoalID:     uuid.NewString(),
		JobID:      job.ID,
		Agent:      a.Name,
		Attempt:    job.Attempt,
		Workspace:  job.Workspace,
		Package:    job.Package,
		LaunchSpec: job.LaunchSpec,
		SentAt:     now.UTC(),
	}

	a.ActiveJob = &job
	a.GoalID = goal.GoalID
	a.AssignedAt = now
	a.LastHeartbeat = now
	a.State = registry.StateDispatching

	s.dispatchWG.Add(1)
	go s.send(ctx, a, a.Channel, goal)
}

// send posts goal over ch and hands the result back to the record it was
// started for. A record that left the registry in the meantime has already
// had its job requeued and its channel closed.
func (s *Scheduler) send(ctx context.Context, a *registry.Agent, ch channel.Channel, goal protocol.Goal) {
	defer s.dispatchWG.Done()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.Channel.RequestTimeout)
	err := ch.Dispatch(dctx, goal, s)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With("agent", a.Name, "job_id", goal.JobID, "goal_id", goal.GoalID)
	current, ok := s.registry.Get(a.Name)
	if !ok || current != a || a.GoalID != goal.GoalID {
		logger.Debug("Dropping dispatch result for departed agent", "error", err)
		return
	}

	job := *a.ActiveJob
	if err != nil {
		// The job never reached the agent: it goes back to the head and the
		// agent re-probes its endpoint before taking more work.
		logger.Error("Failed to dispatch job", "error", err)
		job.Attempt--
		a.ActiveJob = nil
		a.GoalID = ""
		a.AssignedAt = time.Time{}
		s.queue.PushFront(job)
		s.resetChannel(a)
		return
	}

	a.State = registry.StateReady
	a.LastHeartbeat = s.now()
	logger.Info("Assigned job", "label", job.Label(), "attempt", job.Attempt)
	s.events.Publish(events.TaskAssigned, map[string]any{
		"agent":   a.Name,
		"job_id":  job.ID,
		"goal_id": goal.GoalID,
		"label":   job.Label(),
		"attempt": job.Attempt,
	})
}

// bootstrapAndReclaim starts channel bootstrap for pending agents and frees
// busy agents whose goal reached a terminal status.
func (s *Scheduler) bootstrapAndReclaim(ctx context.Context) {
	for _, a := range s.registry.Agents() {
		switch a.State {
		case registry.StatePending:
			a.State = registry.StateConnecting
			s.bootWG.Add(1)
			go s.bootstrap(ctx, a)
		case registry.StateReady:
			if !a.Busy() {
				continue
			}
			if status := a.Channel.State(); status.IsTerminal() {
				s.finish(a, status)
			}
		}
	}
}

// bootstrap dials and initializes a channel off the lock and hands the result
// back to the record it was started for.
func (s *Scheduler) bootstrap(ctx context.Context, a *registry.Agent) {
	defer s.bootWG.Done()

	logger := s.logger.With("agent", a.Name)
	ch, err := s.dialer.Dial(a.Name, a.Endpoint)
	if err == nil {
		ictx, cancel := context.WithTimeout(ctx, s.cfg.Channel.ConnectTimeout)
		err = ch.Initialize(ictx)
		cancel()
		if err != nil {
			_ = ch.Close()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registry.Get(a.Name)
	if !ok || current != a {
		// Unregistered or evicted while connecting.
		if err == nil {
			_ = ch.Close()
		}
		logger.Debug("Dropping channel for departed agent")
		return
	}
	if err != nil {
		a.State = registry.StatePending
		logger.Warn("Channel bootstrap failed, retrying next tick", "channel", channel.Name(a.Name), "error", err)
		return
	}

	a.Channel = ch
	a.State = registry.StateReady
	logger.Info("Agent channel ready", "channel", channel.Name(a.Name))
	s.events.Publish(events.AgentConnected, map[string]any{"name": a.Name})
}

// evictSilent removes busy agents that have not reported progress within the
// heartbeat timeout and returns their jobs to the queue tail. Agents whose
// goal is still being sent are skipped; the send is bounded by the request
// timeout and refreshes the heartbeat when it lands.
func (s *Scheduler) evictSilent() {
	now := s.now()
	timeout := s.cfg.Service.HeartbeatTimeout

	evicted := s.registry.Sweep(func(a *registry.Agent) bool {
		if !a.Busy() || a.State == registry.StateDispatching {
			return false
		}
		silent := now.Sub(a.LastHeartbeat)
		s.logger.Debug("Agent progress", "agent", a.Name, "seconds_since_progress", silent.Seconds())
		return silent > timeout
	})

	for _, a := range evicted {
		s.logger.Warn("Evicting silent agent", "agent", a.Name, "job_id", a.ActiveJob.ID,
			"silent_for", now.Sub(a.LastHeartbeat).String())
		s.release(a, journal.OutcomeEvicted)
		s.events.Publish(events.AgentEvicted, map[string]any{"name": a.Name})
	}
}

// release tears down a record that has left the registry: its channel is
// closed and any active job goes back to the queue tail.
func (s *Scheduler) release(a *registry.Agent, outcome journal.Outcome) {
	if a.Channel != nil {
		_ = a.Channel.Close()
	}
	if !a.Busy() {
		return
	}

	job := *a.ActiveJob
	status := protocol.StatusRunning
	if a.Channel != nil {
		status = a.Channel.State()
	}
	s.record(a, outcome, status)
	a.ActiveJob = nil
	a.GoalID = ""

	s.queue.Enqueue(job)
	s.logger.Info("Requeued job", "agent", a.Name, "job_id", job.ID, "label", job.Label(), "reason", string(outcome))
	s.events.Publish(events.TaskRequeued, map[string]any{
		"agent":  a.Name,
		"job_id": job.ID,
		"label":  job.Label(),
		"reason": outcome,
	})
}

// finish frees an agent whose goal reached status. The job is dropped
// whatever the status was.
func (s *Scheduler) finish(a *registry.Agent, status protocol.Status) {
	job := a.ActiveJob
	s.record(a, journal.OutcomeFinished, status)
	a.ActiveJob = nil
	a.GoalID = ""

	s.logger.Info("Job finished", "agent", a.Name, "job_id", job.ID, "status", status)
	s.events.Publish(events.TaskFinished, map[string]any{
		"agent":  a.Name,
		"job_id": job.ID,
		"label":  job.Label(),
		"status": status,
	})
}

func (s *Scheduler) record(a *registry.Agent, outcome journal.Outcome, status protocol.Status) {
	job := a.ActiveJob
	s.recorder.Record(journal.Entry{
		JobID:      job.ID,
		GoalID:     a.GoalID,
		Agent:      a.Name,
		Workspace:  job.Workspace,
		Package:    job.Package,
		LaunchSpec: job.LaunchSpec,
		Attempt:    job.Attempt,
		Outcome:    outcome,
		Status:     status,
		QueuedAt:   job.QueuedAt,
		AssignedAt: a.AssignedAt,
		EndedAt:    s.now().UTC(),
	})
}

func (s *Scheduler) resetChannel(a *registry.Agent) {
	if a.Channel != nil {
		_ = a.Channel.Close()
	}
	a.Channel = nil
	a.State = registry.StatePending
}

// Progress refreshes the heartbeat of agent if goalID is its current goal.
// Signals for any other goal are stale and ignored.
func (s *Scheduler) Progress(agent, goalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.registry.Get(agent)
	if !ok || !a.Busy() || a.GoalID != goalID {
		s.logger.Debug("Ignoring stale progress", "agent", agent, "goal_id", goalID)
		return
	}
	a.LastHeartbeat = s.now()
}

// RegisterAgent adds an idle agent. endpoint may be empty to use the
// configured default. A known name yields ErrAgentAlreadyRegistered.
func (s *Scheduler) RegisterAgent(name, kind, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.registry.Register(name, kind, endpoint, s.now()); err != nil {
		if errors.Is(err, registry.ErrAgentAlreadyRegistered) {
			s.logger.Warn("Rejected duplicate registration", "agent", name, "kind", kind)
		}
		return err
	}
	s.logger.Info("Registered agent", "agent", name, "kind", kind, "endpoint", endpoint)
	s.events.Publish(events.AgentRegistered, map[string]any{"name": name, "kind": kind})
	return nil
}

// UnregisterAgent removes the named agent, returning its active job to the
// queue tail. Unknown names are not an error.
func (s *Scheduler) UnregisterAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.registry.Remove(name)
	if !ok {
		s.logger.Info("Unregister for unknown agent", "agent", name)
		return
	}
	s.release(a, journal.OutcomeUnregistered)
	s.logger.Info("Unregistered agent", "agent", name)
	s.events.Publish(events.AgentUnregistered, map[string]any{"name": name})
}

// Agents lists registered agents in registry order.
func (s *Scheduler) Agents() []registry.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.List()
}

// QueueTask appends a job to the queue. The request is not validated.
func (s *Scheduler) QueueTask(req queue.EnqueueRequest) queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.queue.Submit(req)
	s.logger.Info("Queued job", "job_id", job.ID, "label", job.Label(), "depth", s.queue.Len())
	s.events.Publish(events.TaskQueued, map[string]any{
		"job_id": job.ID,
		"label":  job.Label(),
	})
	return job
}

// QueuedTasks returns the queue's labels in order.
func (s *Scheduler) QueuedTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Labels()
}

// ActiveTasks returns parallel agent names and job labels for busy agents.
func (s *Scheduler) ActiveTasks() (names, labels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Active()
}

// Stats summarizes the scheduler's state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Agents: s.registry.Len(),
		Busy:   s.registry.BusyCount(),
		Queued: s.queue.Len(),
	}
	for _, a := range s.registry.Agents() {
		if a.State == registry.StateConnecting {
			st.Connecting++
		}
	}
	return st
}
