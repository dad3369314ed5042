// Package journal keeps a history of how dispatched jobs ended.
//
// The scheduler records an Entry whenever it takes a job back from an agent:
// the job finished, the agent was evicted, or the agent unregistered. Writes
// go through a buffered channel to a single writer goroutine so the scheduler
// never waits on disk while holding its lock.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/taskserver/internal/protocol"
)

// Outcome says why the scheduler took a job back.
type Outcome string

const (
	// OutcomeFinished means the channel reported a terminal status. The job
	// is dropped whatever the status was.
	OutcomeFinished Outcome = "finished"
	// OutcomeEvicted means the agent went silent and the job was requeued.
	OutcomeEvicted Outcome = "evicted"
	// OutcomeUnregistered means the agent left while busy and the job was requeued.
	OutcomeUnregistered Outcome = "unregistered"
)

const (
	defaultBuffer     = 256
	defaultPruneEvery = time.Hour
	writeTimeout      = 5 * time.Second

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Entry is one journal row.
type Entry struct {
	JobID      string          `json:"job_id"`
	GoalID     string          `json:"goal_id"`
	Agent      string          `json:"agent"`
	Workspace  string          `json:"workspace"`
	Package    string          `json:"package"`
	LaunchSpec string          `json:"launch_spec"`
	Attempt    int             `json:"attempt"`
	Outcome    Outcome         `json:"outcome"`
	Status     protocol.Status `json:"status"`
	QueuedAt   time.Time       `json:"queued_at"`
	AssignedAt time.Time       `json:"assigned_at"`
	EndedAt    time.Time       `json:"ended_at"`
}

// Journal writes entries asynchronously and serves recent history.
type Journal struct {
	db         *sql.DB
	logger     *slog.Logger
	retention  time.Duration
	pruneEvery time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	wg      sync.WaitGroup
}

// New returns a journal over db. Entries older than retention are pruned
// periodically; zero retention keeps everything.
func New(db *sql.DB, retention time.Duration, logger *slog.Logger) *Journal {
	return &Journal{
		db:         db,
		logger:     logger,
		retention:  retention,
		pruneEvery: defaultPruneEvery,
		now:        time.Now,
		entries:    make(chan Entry, defaultBuffer),
	}
}

// Start launches the writer goroutine.
func (j *Journal) Start() {
	j.wg.Add(1)
	go j.run()
}

// Record queues e for writing. It never blocks: when the buffer is full the
// entry is dropped and a warning logged.
func (j *Journal) Record(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		j.logger.Warn("journal buffer full, dropping entry", "job_id", e.JobID, "outcome", e.Outcome)
	}
}

// Close stops accepting entries and waits until queued ones are written.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()

	j.pruneLogged()
	ticker := time.NewTicker(j.pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-j.entries:
			if !ok {
				return
			}
			if err := j.insert(e); err != nil {
				j.logger.Error("failed to write journal entry", "job_id", e.JobID, "error", err)
			}
		case <-ticker.C:
			j.pruneLogged()
		}
	}
}

func (j *Journal) insert(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
INSERT INTO job_log(job_id, goal_id, agent, workspace, package, launch_spec, attempt, outcome, status, queued_at, assigned_at, ended_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.JobID, e.GoalID, e.Agent, e.Workspace, e.Package, e.LaunchSpec, e.Attempt,
		string(e.Outcome), string(e.Status),
		formatTime(e.QueuedAt), formatTime(e.AssignedAt), formatTime(e.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

func (j *Journal) pruneLogged() {
	if j.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	n, err := j.Prune(ctx)
	if err != nil {
		j.logger.Error("failed to prune journal", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned journal", "deleted", n, "retention", j.retention.String())
	}
}

// Prune deletes entries that ended before now minus the retention period.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-j.retention)
	res, err := j.db.ExecContext(ctx, `DELETE FROM job_log WHERE ended_at < ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	return res.RowsAffected()
}

const selectColumns = `SELECT job_id, goal_id, agent, workspace, package, launch_spec, attempt, outcome, status, queued_at, assigned_at, ended_at FROM job_log`

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.query(ctx, selectColumns+` ORDER BY seq DESC LIMIT ?;`, limit)
}

// ForJob returns every entry recorded for jobID, oldest first. A job that
// was requeued has one entry per agent that gave it back.
func (j *Journal) ForJob(ctx context.Context, jobID string) ([]Entry, error) {
	return j.query(ctx, selectColumns+` WHERE job_id = ? ORDER BY seq ASC;`, jobID)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e                           Entry
			outcome, status             string
			queuedAt, assignedAt, ended string
		)
		if err := rows.Scan(&e.JobID, &e.GoalID, &e.Agent, &e.Workspace, &e.Package, &e.LaunchSpec,
			&e.Attempt, &outcome, &status, &queuedAt, &assignedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Status = protocol.Status(status)
		e.QueuedAt = parseTime(queuedAt)
		e.AssignedAt = parseTime(assignedAt)
		e.EndedAt = parseTime(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
