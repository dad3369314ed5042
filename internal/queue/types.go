package queue

import "time"

// Job is a queued unit of work. Workspace, Package and LaunchSpec are the
// immutable payload; the remaining fields are dispatcher bookkeeping.
type Job struct {
	ID         string
	Workspace  string
	Package    string
	LaunchSpec string
	// Attempt counts how many times the job has been handed to an agent.
	Attempt  int
	QueuedAt time.Time
}

// EnqueueRequest carries the payload of a QueueTask call.
type EnqueueRequest struct {
	Workspace  string
	Package    string
	LaunchSpec string
}

// Label is the queued-task view of a job: "package/launchSpec".
func (j Job) Label() string {
	return j.Package + "/" + j.LaunchSpec
}

// ActiveLabel is the active-task view of a job: the launch spec alone.
func (j Job) ActiveLabel() string {
	return j.LaunchSpec
}
