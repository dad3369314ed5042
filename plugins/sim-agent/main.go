// Command sim-agent is a stand-in worker for exercising a task server. It
// serves the agent side of the dispatch channel, pretends to run each goal
// for a fixed time while emitting progress, and registers itself with the
// server's admin API on startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/taskserver/internal/channel"
	"github.com/mattjoyce/taskserver/internal/client"
	"github.com/mattjoyce/taskserver/internal/log"
	"github.com/mattjoyce/taskserver/internal/protocol"
)

type simConfig struct {
	Name          string
	Kind          string
	Listen        string
	Endpoint      string
	APIURL        string
	Register      bool
	Duration      time.Duration
	ProgressEvery time.Duration
	Fail          bool
	Hang          bool
	LogLevel      string
	LogFormat     string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func parseFlags(args []string) (simConfig, error) {
	apiURL := os.Getenv("TASKSERVER_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}

	var cfg simConfig
	fs := flag.NewFlagSet("sim-agent", flag.ContinueOnError)
	fs.StringVar(&cfg.Name, "name", "", "Agent name (required)")
	fs.StringVar(&cfg.Kind, "kind", "sim", "Agent kind")
	fs.StringVar(&cfg.Listen, "listen", "127.0.0.1:7420", "Address to serve the channel on")
	fs.StringVar(&cfg.Endpoint, "endpoint", "", "Base URL the server should dial (default: derived from --listen)")
	fs.StringVar(&cfg.APIURL, "api-url", apiURL, "Task server API URL")
	fs.BoolVar(&cfg.Register, "register", true, "Register with the task server on startup")
	fs.DurationVar(&cfg.Duration, "duration", 3*time.Second, "How long each goal runs")
	fs.DurationVar(&cfg.ProgressEvery, "progress", 500*time.Millisecond, "Progress signal interval")
	fs.BoolVar(&cfg.Fail, "fail", false, "Finish every goal as aborted")
	fs.BoolVar(&cfg.Hang, "hang", false, "Never progress or finish, to trigger eviction")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", "auto", "Log format: json, console, auto")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return cfg, errors.New("--name is required")
	}
	if cfg.ProgressEvery <= 0 {
		return cfg, errors.New("--progress must be positive")
	}
	return cfg, nil
}

// simRunner fakes goal execution.
type simRunner struct {
	duration      time.Duration
	progressEvery time.Duration
	fail          bool
	hang          bool
}

func (r simRunner) Run(ctx context.Context, goal protocol.Goal, progress func()) protocol.Status {
	if r.hang {
		<-ctx.Done()
		return protocol.StatusAborted
	}

	ticker := time.NewTicker(r.progressEvery)
	defer ticker.Stop()
	done := time.NewTimer(r.duration)
	defer done.Stop()

	progress()
	for {
		select {
		case <-ctx.Done():
			return protocol.StatusAborted
		case <-ticker.C:
			progress()
		case <-done.C:
			if r.fail {
				return protocol.StatusAborted
			}
			return protocol.StatusSucceeded
		}
	}
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "sim-agent: %v\n", err)
		return 1
	}

	log.SetupFormat(cfg.LogLevel, cfg.LogFormat)
	logger := log.WithAgent(cfg.Name)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen failed", "listen", cfg.Listen, "error", err)
		return 1
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://" + ln.Addr().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, ln, logger); err != nil {
		logger.Error("sim-agent failed", "error", err)
		return 1
	}
	return 0
}

// serve runs the channel server on ln until ctx is done. With cfg.Register
// set, the agent registers once the listener is up and unregisters on the
// way out.
func serve(ctx context.Context, cfg simConfig, ln net.Listener, logger *slog.Logger) error {
	runner := simRunner{
		duration:      cfg.Duration,
		progressEvery: cfg.ProgressEvery,
		fail:          cfg.Fail,
		hang:          cfg.Hang,
	}
	chSrv := channel.NewServer(cfg.Name, runner, logger)
	httpSrv := &http.Server{
		Handler:           chSrv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("sim-agent serving", "listen", ln.Addr().String(), "channel", channel.Name(cfg.Name))

	api := client.New(cfg.APIURL, 5*time.Second)
	if cfg.Register {
		regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := api.RegisterAgent(regCtx, cfg.Name, cfg.Kind, cfg.Endpoint)
		cancel()
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("register %s: %w", cfg.Name, err)
		}
		logger.Info("registered with task server", "api_url", cfg.APIURL, "endpoint", cfg.Endpoint)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	if cfg.Register {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.UnregisterAgent(unregCtx, cfg.Name); err != nil {
			logger.Warn("unregister failed", "error", err)
		}
		cancel()
	}

	chSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	logger.Info("sim-agent stopped")
	return serveErr
}
