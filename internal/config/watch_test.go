package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReportsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: before\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(fp string, err error) {
			if err != nil {
				return
			}
			select {
			case changes <- fp:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("service:\n  name: before\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("service:\n  name: after\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Truncating writes can surface an intermediate empty file, so wait for
	// the final fingerprint rather than the first callback.
	want := hashBytes([]byte("service:\n  name: after\n"))
	deadline := time.After(3 * time.Second)
	for seen := false; !seen; {
		select {
		case fp := <-changes:
			seen = fp == want
		case <-deadline:
			t.Fatal("final fingerprint never reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: x\n")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	called := make(chan struct{}, 1)
	go func() {
		_ = Watch(ctx, path, func(string, error) { called <- struct{}{} })
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-called:
		t.Fatal("unexpected callback for unrelated file")
	case <-ctx.Done():
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "config.yaml"), func(string, error) {})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
