// Package inspect renders the journal history of a single job: every agent
// that held it and how each hand-off ended.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/protocol"
)

// ErrNotFound means the journal has no entries for the job. Jobs that are
// still queued or running for the first time have none yet.
var ErrNotFound = errors.New("job not found in journal")

// Source is the journal query the report is built from.
type Source interface {
	ForJob(ctx context.Context, jobID string) ([]journal.Entry, error)
}

// Report is the structured JSON representation of a job's history.
type Report struct {
	JobID      string          `json:"job_id"`
	Workspace  string          `json:"workspace"`
	Package    string          `json:"package"`
	LaunchSpec string          `json:"launch_spec"`
	QueuedAt   time.Time       `json:"queued_at"`
	Attempts   int             `json:"attempts"`
	Finished   bool            `json:"finished"`
	Status     protocol.Status `json:"status"`
	Steps      []Step          `json:"steps"`
}

// Step is one agent's tenure with the job.
type Step struct {
	Attempt    int             `json:"attempt"`
	Agent      string          `json:"agent"`
	GoalID     string          `json:"goal_id"`
	Outcome    journal.Outcome `json:"outcome"`
	Status     protocol.Status `json:"status"`
	AssignedAt time.Time       `json:"assigned_at"`
	EndedAt    time.Time       `json:"ended_at"`
	Held       string          `json:"held"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := Gather(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Task        : %s/%s\n", report.Package, report.LaunchSpec)
	fmt.Fprintf(&out, "Workspace   : %s\n", renderUnset(report.Workspace, "<none>"))
	fmt.Fprintf(&out, "Queued At   : %s\n", report.QueuedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Attempts    : %d\n", report.Attempts)
	if report.Finished {
		fmt.Fprintf(&out, "Result      : dropped after terminal status %s\n", report.Status)
	} else {
		fmt.Fprintf(&out, "Result      : requeued, no terminal status recorded yet\n")
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s\n", step.Attempt, step.Agent)
		fmt.Fprintf(&out, "    goal_id  : %s\n", step.GoalID)
		fmt.Fprintf(&out, "    outcome  : %s (%s)\n", step.Outcome, step.Status)
		fmt.Fprintf(&out, "    assigned : %s\n", step.AssignedAt.Format(time.RFC3339))
		fmt.Fprintf(&out, "    ended    : %s\n", step.EndedAt.Format(time.RFC3339))
		fmt.Fprintf(&out, "    held     : %s\n", step.Held)
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := Gather(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Gather collects the journal entries for jobID into a Report.
func Gather(ctx context.Context, src Source, jobID string) (*Report, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	entries, err := src.ForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %q: %w", jobID, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	first := entries[0]
	last := entries[len(entries)-1]
	report := &Report{
		JobID:      jobID,
		Workspace:  first.Workspace,
		Package:    first.Package,
		LaunchSpec: first.LaunchSpec,
		QueuedAt:   first.QueuedAt,
		Attempts:   last.Attempt,
		Finished:   last.Outcome == journal.OutcomeFinished,
		Status:     last.Status,
		Steps:      make([]Step, 0, len(entries)),
	}

	for _, e := range entries {
		report.Steps = append(report.Steps, Step{
			Attempt:    e.Attempt,
			Agent:      e.Agent,
			GoalID:     e.GoalID,
			Outcome:    e.Outcome,
			Status:     e.Status,
			AssignedAt: e.AssignedAt,
			EndedAt:    e.EndedAt,
			Held:       e.EndedAt.Sub(e.AssignedAt).Round(time.Millisecond).String(),
		})
	}
	return report, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
