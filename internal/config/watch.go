package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the new fingerprint whenever the file at path is
// rewritten with different content. Configuration is not reloaded; the
// callback lets a running server report drift from what it loaded. Watch
// returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(fingerprint string, err error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors often replace the file by rename, so watch its directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	base := filepath.Base(path)
	last := ""
	if data, err := os.ReadFile(path); err == nil {
		last = hashBytes(data)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					onChange("", err)
				}
				continue
			}
			fp := hashBytes(data)
			if fp == last {
				continue
			}
			last = fp
			onChange(fp, nil)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onChange("", err)
		}
	}
}
