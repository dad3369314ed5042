package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/taskserver/internal/api"
	"github.com/mattjoyce/taskserver/internal/channel"
	"github.com/mattjoyce/taskserver/internal/config"
	"github.com/mattjoyce/taskserver/internal/events"
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/lock"
	"github.com/mattjoyce/taskserver/internal/log"
	"github.com/mattjoyce/taskserver/internal/scheduler"
	"github.com/mattjoyce/taskserver/internal/storage"
)

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", configPath)
	}
	return config.Load(configPath)
}

func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "taskserver.lock")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("taskserver starting", "version", version, "config", cfg.SourcePath, "fingerprint", cfg.Fingerprint)

	lockPath := pidLockPath(cfg)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		logger.Error("failed to create state directory", "path", filepath.Dir(lockPath), "error", err)
		return 1
	}
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			logger.Error("another taskserver instance is running", "path", lockPath, "error", err)
		} else {
			logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
		}
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	logger.Info("database opened", "path", cfg.State.Path)

	jrnl := journal.New(db, cfg.State.JournalRetention, log.WithComponent("journal"))
	jrnl.Start()
	defer jrnl.Close()

	hub := events.NewHub(256)
	dialer := channel.NewHTTPDialer(channel.Options{
		Endpoint:       cfg.Channel.Endpoint,
		RetryInterval:  cfg.Channel.RetryInterval,
		PollInterval:   cfg.Channel.PollInterval,
		RequestTimeout: cfg.Channel.RequestTimeout,
	}, nil, log.WithComponent("channel"))

	sched := scheduler.New(cfg, dialer, jrnl, hub, log.WithComponent("scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	apiServer := api.New(api.Config{
		Listen:      cfg.API.Listen,
		Fingerprint: cfg.Fingerprint,
		CORSOrigins: cfg.API.CORSOrigins,
	}, sched, jrnl, hub, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	logger.Info("API server enabled", "listen", cfg.API.Listen)

	if cfg.SourcePath != "" {
		go func() {
			err := config.Watch(ctx, cfg.SourcePath, func(fingerprint string, err error) {
				if err != nil {
					logger.Warn("config watch error", "error", err)
					return
				}
				logger.Warn("config file changed on disk; restart to apply",
					"path", cfg.SourcePath,
					"loaded", cfg.Fingerprint,
					"current", fingerprint,
				)
			})
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			}
		}()
	}

	logger.Info("taskserver running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("taskserver stopped")
	return 0
}
