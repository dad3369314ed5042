package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/taskserver/internal/api"
	"github.com/mattjoyce/taskserver/internal/config"
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/protocol"
	"github.com/mattjoyce/taskserver/internal/scheduler"
	"github.com/mattjoyce/taskserver/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// startTestAPI serves a real scheduler through the admin API. The tick loop
// is not started, so agents stay pending and queued tasks stay queued.
func startTestAPI(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(config.Defaults(), nil, nil, nil, logger)
	srv := api.New(api.Config{Listen: "127.0.0.1:0"}, sched, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	if code != 0 {
		t.Fatalf("version --json code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", info.Version)
	}
	if info.Commit != "0123456789ab" {
		t.Errorf("commit = %q, want truncated 12-char hash", info.Commit)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Errorf("build_time = %q", info.BuildTime)
	}
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "extra"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: taskserver version") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: bogus") {
		t.Errorf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "Agent Commands:") {
		t.Errorf("usage not printed: %q", stdout)
	}
}

func TestNounHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
		code int
	}{
		{[]string{"agent", "help"}, "Actions: register, unregister, list", 0},
		{[]string{"task", "--help"}, "Actions: queue, list, active, history", 0},
		{[]string{"system", "start", "--help"}, "Usage: taskserver system start", 0},
		{[]string{"config", "lock", "-h"}, ".checksums", 0},
		{[]string{"task", "explode"}, "Unknown task action: explode", 1},
		{[]string{"agent"}, "Actions: register, unregister, list", 1},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runCLI(tt.args)
			})
			if code != tt.code {
				t.Fatalf("code = %d, want %d (stderr: %s)", code, tt.code, stderr)
			}
			if !strings.Contains(stdout+stderr, tt.want) {
				t.Errorf("output missing %q:\nstdout: %s\nstderr: %s", tt.want, stdout, stderr)
			}
		})
	}
}

func TestConfigCheckAndLock(t *testing.T) {
	path := writeTestConfig(t, "service:\n  name: test\n  tick_interval: 250ms\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path, "--json"})
	})
	if code != 0 {
		t.Fatalf("check code = %d, stderr: %s", code, stderr)
	}
	var res configCheckResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("check output is not JSON: %v", err)
	}
	if !res.Valid || res.Fingerprint == "" {
		t.Fatalf("check result = %+v", res)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", path})
	})
	if code != 0 {
		t.Fatalf("lock code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "blake3: "+res.Fingerprint) {
		t.Errorf("lock output = %q, want fingerprint %s", stdout, res.Fingerprint)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), ".checksums")); err != nil {
		t.Fatalf("checksums file not written: %v", err)
	}

	if err := os.WriteFile(path, []byte("service:\n  name: edited\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	if code != 1 {
		t.Fatalf("check after edit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "hash mismatch") {
		t.Errorf("stderr = %q, want hash mismatch", stderr)
	}
}

func TestConfigCheckInvalid(t *testing.T) {
	path := writeTestConfig(t, "service:\n  tick_interval: -1s\n")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "tick_interval") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestAgentCommands(t *testing.T) {
	url := startTestAPI(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"agent", "register", "worker-1", "--kind", "sim", "--api-url", url})
	})
	if code != 0 {
		t.Fatalf("register code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "registered worker-1") {
		t.Errorf("register stdout = %q", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"agent", "register", "--api-url", url, "worker-1"})
	})
	if code != 1 {
		t.Fatalf("duplicate register code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "already registered") {
		t.Errorf("duplicate stderr = %q", stderr)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"agent", "list", "--api-url", url, "--json"})
	})
	if code != 0 {
		t.Fatalf("list code = %d, stderr: %s", code, stderr)
	}
	var agents api.AgentsResponse
	if err := json.Unmarshal([]byte(stdout), &agents); err != nil {
		t.Fatalf("list output is not JSON: %v", err)
	}
	if len(agents.Agents) != 1 || agents.Agents[0].Name != "worker-1" || agents.Agents[0].Kind != "sim" {
		t.Fatalf("agents = %+v", agents.Agents)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"agent", "unregister", "worker-1", "--api-url", url})
	})
	if code != 0 {
		t.Fatalf("unregister code = %d, stderr: %s", code, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"agent", "list", "--api-url", url})
	})
	if code != 0 || !strings.Contains(stdout, "no agents registered") {
		t.Fatalf("list after unregister code = %d, stdout = %q", code, stdout)
	}
}

func TestAgentRegisterRequiresName(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"agent", "register", "--api-url", "http://127.0.0.1:1"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: taskserver agent register") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestTaskCommands(t *testing.T) {
	url := startTestAPI(t)

	for _, spec := range []string{"a.launch", "b.launch"} {
		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{"task", "queue", "--package", "nav", "--launch", spec, "--workspace", "ws", "--api-url", url})
		})
		if code != 0 {
			t.Fatalf("queue %s code = %d, stderr: %s", spec, code, stderr)
		}
		if !strings.Contains(stdout, "queued nav/"+spec) {
			t.Errorf("queue stdout = %q", stdout)
		}
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"task", "list", "--api-url", url})
	})
	if code != 0 {
		t.Fatalf("list code = %d, stderr: %s", code, stderr)
	}
	if stdout != "1. nav/a.launch\n2. nav/b.launch\n" {
		t.Errorf("list stdout = %q", stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"task", "active", "--api-url", url})
	})
	if code != 0 || !strings.Contains(stdout, "no active tasks") {
		t.Fatalf("active code = %d, stdout = %q", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"task", "history", "--api-url", url})
	})
	if code != 0 || !strings.Contains(stdout, "no history") {
		t.Fatalf("history code = %d, stdout = %q", code, stdout)
	}
}

func TestTaskQueueRequiresPackageAndLaunch(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"task", "queue", "--package", "nav", "--api-url", "http://127.0.0.1:1"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "--launch SPEC") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestSystemStatus(t *testing.T) {
	url := startTestAPI(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "status", "--api-url", url})
	})
	if code != 0 {
		t.Fatalf("status code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "status: ok") || !strings.Contains(stdout, "queue_depth: 0") {
		t.Errorf("status stdout = %q", stdout)
	}
}

func TestSystemStatusUnreachable(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "status", "--api-url", "http://127.0.0.1:1"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Status failed") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestWatchRequiresTerminal(t *testing.T) {
	// Under test stdout is a pipe.
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "watch", "--api-url", "http://127.0.0.1:1"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "interactive terminal") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestConfigCheckStrictFailsOnWarnings(t *testing.T) {
	path := writeTestConfig(t, "api:\n  listen: 0.0.0.0:8080\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	if code != 0 {
		t.Fatalf("non-strict code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stderr, "WARNING [api] api.listen") {
		t.Errorf("stderr = %q, want api.listen warning", stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Errorf("stdout = %q", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path, "--strict"})
	})
	if code != 1 {
		t.Fatalf("strict code = %d, want 1", code)
	}
}

func TestTaskInspect(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	path := writeTestConfig(t, "state:\n  path: "+dbPath+"\n")

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	jrnl := journal.New(db, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	jrnl.Start()
	now := time.Now().UTC()
	jrnl.Record(journal.Entry{
		JobID: "job-7", GoalID: "g1", Agent: "r1", Package: "nav", LaunchSpec: "a.launch",
		Attempt: 1, Outcome: journal.OutcomeFinished, Status: protocol.StatusSucceeded,
		QueuedAt: now, AssignedAt: now, EndedAt: now.Add(time.Second),
	})
	jrnl.Close()
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"task", "inspect", "job-7", "--config", path})
	})
	if code != 0 {
		t.Fatalf("inspect code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Task        : nav/a.launch") || !strings.Contains(stdout, "[1] r1") {
		t.Errorf("inspect stdout = %q", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"task", "inspect", "job-404", "--config", path})
	})
	if code != 1 || !strings.Contains(stderr, "job not found") {
		t.Fatalf("missing job code = %d, stderr = %q", code, stderr)
	}
}
