package journal

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskserver/internal/protocol"
	"github.com/mattjoyce/taskserver/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openJournal(t *testing.T, retention time.Duration) *Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, retention, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func entry(jobID string, outcome Outcome, ended time.Time) Entry {
	return Entry{
		JobID:      jobID,
		GoalID:     "goal-" + jobID,
		Agent:      "r1",
		Workspace:  "ws",
		Package:    "nav",
		LaunchSpec: "patrol.launch",
		Attempt:    1,
		Outcome:    outcome,
		Status:     protocol.StatusSucceeded,
		QueuedAt:   ended.Add(-time.Minute),
		AssignedAt: ended.Add(-30 * time.Second),
		EndedAt:    ended,
	}
}

func TestRecordThenRecent(t *testing.T) {
	j := openJournal(t, 0)
	j.Start()

	j.Record(entry("a", OutcomeFinished, t0))
	j.Record(entry("b", OutcomeEvicted, t0.Add(time.Second)))
	j.Close()

	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "b", got[0].JobID, "newest first")
	assert.Equal(t, OutcomeEvicted, got[0].Outcome)
	assert.Equal(t, "a", got[1].JobID)
	assert.Equal(t, entry("a", OutcomeFinished, t0), got[1])
}

func TestRecentLimit(t *testing.T) {
	j := openJournal(t, 0)
	j.Start()
	for _, id := range []string{"a", "b", "c"} {
		j.Record(entry(id, OutcomeFinished, t0))
	}
	j.Close()

	got, err := j.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].JobID)
}

func TestRecentEmptyIsNotNil(t *testing.T) {
	j := openJournal(t, 0)
	got, err := j.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	j := openJournal(t, 0)
	j.Start()
	j.Close()
	j.Close()

	assert.NotPanics(t, func() { j.Record(entry("late", OutcomeFinished, t0)) })
}

func TestPruneDropsOldEntries(t *testing.T) {
	j := openJournal(t, 24*time.Hour)
	j.now = func() time.Time { return t0 }
	j.Start()
	j.Record(entry("old", OutcomeFinished, t0.Add(-48*time.Hour)))
	j.Record(entry("fresh", OutcomeFinished, t0.Add(-time.Hour)))
	j.Close()

	n, err := j.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].JobID)
}

func TestPruneWithoutRetentionKeepsAll(t *testing.T) {
	j := openJournal(t, 0)
	n, err := j.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForJobReturnsAttemptsOldestFirst(t *testing.T) {
	j := openJournal(t, 0)
	j.Start()

	first := entry("a", OutcomeEvicted, t0)
	first.Agent = "r1"
	second := entry("a", OutcomeFinished, t0.Add(time.Minute))
	second.Agent = "r2"
	second.Attempt = 2
	j.Record(first)
	j.Record(entry("b", OutcomeFinished, t0.Add(30*time.Second)))
	j.Record(second)
	j.Close()

	got, err := j.ForJob(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].Agent)
	assert.Equal(t, OutcomeEvicted, got[0].Outcome)
	assert.Equal(t, "r2", got[1].Agent)
	assert.Equal(t, 2, got[1].Attempt)

	none, err := j.ForJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoggerComponentIsNotDuplicated(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("component", "journal")
	j := New(db, time.Hour, logger)
	j.now = func() time.Time { return t0 }
	require.NoError(t, j.insert(entry("old", OutcomeFinished, t0.Add(-2*time.Hour))))

	j.pruneLogged()
	require.Contains(t, buf.String(), "pruned journal")
	assert.Equal(t, 1, strings.Count(buf.String(), `"component"`))
}
