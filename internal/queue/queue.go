package queue

import (
	"time"

	"github.com/google/uuid"
)

// Queue is an unbounded in-memory FIFO of jobs. Insertion order is priority
// order: no reordering and no deduplication.
//
// Queue is not safe for concurrent use; the scheduler serializes access.
type Queue struct {
	jobs []Job
	now  func() time.Time
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

// NewJob builds a fresh job for req with a new ID.
func (q *Queue) NewJob(req EnqueueRequest) Job {
	return Job{
		ID:         uuid.NewString(),
		Workspace:  req.Workspace,
		Package:    req.Package,
		LaunchSpec: req.LaunchSpec,
		QueuedAt:   q.now().UTC(),
	}
}

// Submit creates a job for req, appends it to the tail and returns it.
func (q *Queue) Submit(req EnqueueRequest) Job {
	job := q.NewJob(req)
	q.Enqueue(job)
	return job
}

// Enqueue appends job to the tail. Used both for new jobs and for jobs
// recovered from an agent that went away.
func (q *Queue) Enqueue(job Job) {
	q.jobs = append(q.jobs, job)
}

// PushFront returns job to the head of the queue. Only used when a job was
// dequeued but never reached an agent.
func (q *Queue) PushFront(job Job) {
	q.jobs = append([]Job{job}, q.jobs...)
}

// Dequeue removes and returns the head. It reports false when the queue is empty.
func (q *Queue) Dequeue() (Job, bool) {
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Labels returns the "package/launchSpec" label of every queued job, head first.
func (q *Queue) Labels() []string {
	out := make([]string, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Label())
	}
	return out
}

// Snapshot returns a copy of the queued jobs, head first.
func (q *Queue) Snapshot() []Job {
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}
