package protocol

import "time"

// Version is the channel protocol version carried in every goal.
const Version = 1

// Status is the state of the goal an agent is running, as reported over the channel.
type Status string

const (
	StatusRunning   Status = "running"
	StatusLost      Status = "lost"
	StatusRejected  Status = "rejected"
	StatusRecalled  Status = "recalled"
	StatusPreempted Status = "preempted"
	StatusAborted   Status = "aborted"
	StatusSucceeded Status = "succeeded"
)

// TerminalStatuses lists every status meaning "the agent is free again",
// whether or not the goal actually succeeded.
var TerminalStatuses = []Status{
	StatusLost,
	StatusRejected,
	StatusRecalled,
	StatusPreempted,
	StatusAborted,
	StatusSucceeded,
}

// IsTerminal reports whether s frees the agent.
func (s Status) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.IsTerminal()
}

// Goal is the request envelope the dispatcher sends to an agent's channel.
type Goal struct {
	Protocol   int       `json:"protocol"`
	GoalID     string    `json:"goal_id"`
	JobID      string    `json:"job_id"`
	Agent      string    `json:"agent"`
	Attempt    int       `json:"attempt"`
	Workspace  string    `json:"workspace"`
	Package    string    `json:"package"`
	LaunchSpec string    `json:"launch_spec"`
	SentAt     time.Time `json:"sent_at"`
}

// GoalState is the agent's reply to a goal status query.
type GoalState struct {
	GoalID string `json:"goal_id"`
	Status Status `json:"status"`
	// ProgressSeq increases every time the agent emits a progress signal.
	ProgressSeq int64  `json:"progress_seq"`
	Message     string `json:"message,omitempty"`
}

// Ready is the agent's reply to a readiness probe.
type Ready struct {
	Agent  string `json:"agent"`
	Ready  bool   `json:"ready"`
	GoalID string `json:"goal_id,omitempty"`
}
