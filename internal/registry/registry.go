package registry

import (
	"errors"
	"time"

	"github.com/mattjoyce/taskserver/internal/channel"
	"github.com/mattjoyce/taskserver/internal/queue"
)

// ErrAgentAlreadyRegistered indicates an agent with the same name is already known.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// State tracks how far an agent's dispatch channel has been brought up.
type State string

const (
	// StatePending means no channel exists yet and no bootstrap is running.
	StatePending State = "pending"
	// StateConnecting means a bootstrap goroutine is initializing the channel.
	StateConnecting State = "connecting"
	// StateReady means the channel is initialized and the agent can take work.
	StateReady State = "ready"
	// StateDispatching means a goal is being sent to the agent off the lock.
	// The agent already owns its job but is not yet watched for heartbeats.
	StateDispatching State = "dispatching"
)

// Agent is the dispatcher's record of one registered worker.
type Agent struct {
	Name     string
	Kind     string
	Endpoint string
	State    State

	// Channel is owned by this record and nil until bootstrap succeeds.
	Channel channel.Channel

	// ActiveJob is non-nil exactly while the agent is busy.
	ActiveJob *queue.Job
	// GoalID identifies the dispatch of ActiveJob; progress for any other
	// goal is stale.
	GoalID     string
	AssignedAt time.Time

	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Busy reports whether the agent owns a job.
func (a *Agent) Busy() bool {
	return a.ActiveJob != nil
}

// Info is the introspection view of an agent.
type Info struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Registry is the ordered set of known agents. Registration order is the
// order agents are offered work in.
//
// Registry is not safe for concurrent use; the scheduler serializes access.
type Registry struct {
	agents []*Agent
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a new idle agent. Agents are deduplicated by name: a second
// registration under a known name is rejected whatever its kind.
func (r *Registry) Register(name, kind, endpoint string, now time.Time) (*Agent, error) {
	if _, ok := r.Get(name); ok {
		return nil, ErrAgentAlreadyRegistered
	}
	a := &Agent{
		Name:          name,
		Kind:          kind,
		Endpoint:      endpoint,
		State:         StatePending,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.agents = append(r.agents, a)
	return a, nil
}

// Get looks an agent up by name.
func (r *Registry) Get(name string) (*Agent, bool) {
	for _, a := range r.agents {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Remove deletes the named agent and returns its record.
func (r *Registry) Remove(name string) (*Agent, bool) {
	removed := r.Sweep(func(a *Agent) bool { return a.Name == name })
	if len(removed) == 0 {
		return nil, false
	}
	return removed[0], true
}

// Sweep removes every agent for which evict returns true and returns the
// removed records in registry order. The survivor slice is rebuilt, so evict
// sees every agent exactly once.
func (r *Registry) Sweep(evict func(*Agent) bool) []*Agent {
	var removed []*Agent
	survivors := r.agents[:0:0]
	for _, a := range r.agents {
		if evict(a) {
			removed = append(removed, a)
			continue
		}
		survivors = append(survivors, a)
	}
	r.agents = survivors
	return removed
}

// Agents returns a copy of the agent slice in registry order. The records
// themselves are shared.
func (r *Registry) Agents() []*Agent {
	out := make([]*Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}

// List returns name and kind for every agent, in registry order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, Info{Name: a.Name, Kind: a.Kind})
	}
	return out
}

// Active returns parallel slices of agent names and job labels, one entry
// per busy agent.
func (r *Registry) Active() (names, labels []string) {
	names = []string{}
	labels = []string{}
	for _, a := range r.agents {
		if a.ActiveJob == nil {
			continue
		}
		names = append(names, a.Name)
		labels = append(labels, a.ActiveJob.ActiveLabel())
	}
	return names, labels
}

// BusyCount returns the number of agents holding a job.
func (r *Registry) BusyCount() int {
	n := 0
	for _, a := range r.agents {
		if a.ActiveJob != nil {
			n++
		}
	}
	return n
}
