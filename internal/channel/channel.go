// Package channel carries goals from the dispatcher to agents and reports
// their progress and terminal status back.
//
// Each registered agent gets one Channel, addressed by Name(agent). The
// dispatcher Initializes it once (this may wait until the agent is
// reachable), then Dispatches goals to it and polls State on every tick.
// While a goal runs the channel calls ProgressSink.Progress with the agent
// name and goal ID; those calls are the only liveness signal the scheduler
// uses.
//
// HTTPChannel is the client side of the HTTP transport and Server is the
// agent side.
package channel

import (
	"context"

	"github.com/mattjoyce/taskserver/internal/protocol"
)

// Channel is the dispatcher's handle on one agent.
type Channel interface {
	// Initialize blocks until the agent endpoint is ready or ctx is done.
	Initialize(ctx context.Context) error
	// Dispatch sends goal to the agent. Progress for the goal is reported to
	// sink until the goal reaches a terminal status or the channel is closed.
	Dispatch(ctx context.Context, goal protocol.Goal, sink ProgressSink) error
	// State returns the status of the most recent goal, or StatusLost when
	// no goal has been dispatched.
	State() protocol.Status
	// Close stops progress reporting. It does not cancel the remote goal.
	Close() error
}

// Dialer creates channels for agents.
type Dialer interface {
	Dial(agent, endpoint string) (Channel, error)
}

// ProgressSink receives progress signals keyed by agent and goal identity.
type ProgressSink interface {
	Progress(agent, goalID string)
}

// Name returns the channel name for an agent.
func Name(agent string) string {
	return agent + "/active"
}
