package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/taskserver/internal/config"
	"github.com/mattjoyce/taskserver/internal/doctor"
)

type configCheckResult struct {
	Valid       bool           `json:"valid"`
	Path        string         `json:"path,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Error       string         `json:"error,omitempty"`
	Errors      []doctor.Issue `json:"errors,omitempty"`
	Warnings    []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			printJSON(configCheckResult{Valid: false, Error: err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return 1
	}

	report := doctor.New(cfg).Validate()
	valid := report.Valid && (!*strict || len(report.Warnings) == 0)

	if *jsonOut {
		printJSON(configCheckResult{
			Valid:       valid,
			Path:        cfg.SourcePath,
			Fingerprint: cfg.Fingerprint,
			Errors:      report.Errors,
			Warnings:    report.Warnings,
		})
	} else {
		for _, is := range report.Errors {
			fmt.Fprintf(os.Stderr, "ERROR   [%s] %s: %s\n", is.Category, is.Field, is.Message)
		}
		for _, is := range report.Warnings {
			fmt.Fprintf(os.Stderr, "WARNING [%s] %s: %s\n", is.Category, is.Field, is.Message)
		}
		if valid {
			fmt.Printf("Configuration valid: %s\n", cfg.SourcePath)
			fmt.Printf("fingerprint: %s\n", cfg.Fingerprint)
			fmt.Printf("api: %s  tick: %s  heartbeat_timeout: %s\n",
				cfg.API.Listen, cfg.Service.TickInterval, cfg.Service.HeartbeatTimeout)
		}
	}
	if !valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	report, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", report.ConfigPath)
	fmt.Printf("checksums: %s\n", report.ChecksumPath)
	fmt.Printf("blake3: %s\n", report.Hash)
	return 0
}
