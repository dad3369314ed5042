package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/taskserver/internal/inspect"
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/log"
	"github.com/mattjoyce/taskserver/internal/storage"
)

func runTaskInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jobID, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" {
		jobID = fs.Arg(0)
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: taskserver task inspect <job_id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.State.Path != storage.MemoryPath {
		if _, err := os.Stat(cfg.State.Path); err != nil {
			fmt.Fprintf(os.Stderr, "No journal at %s: %v\n", cfg.State.Path, err)
			return 1
		}
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	// Read-only use: the writer goroutine is never started.
	jrnl := journal.New(db, 0, log.WithComponent("journal"))

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, jrnl, jobID)
	} else {
		out, err = inspect.BuildReport(ctx, jrnl, jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}
