package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultAPIURL = "http://127.0.0.1:8080"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "agent":
		return runAgentNoun(args)
	case "task":
		return runTaskNoun(args)
	case "config":
		return runConfigNoun(args)

	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: taskserver version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("taskserver %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`taskserver - dispatch queued tasks to remote agents

Usage:
  taskserver <noun> <action> [flags]

System Commands:
  system start      Run the dispatcher in the foreground
  system status     Show dispatcher health
  system watch      Real-time monitoring TUI

Agent Commands:
  agent register <name>    Register an agent
  agent unregister <name>  Unregister an agent (its running task is requeued)
  agent list               List registered agents

Task Commands:
  task queue        Append a task to the queue
  task list         Show queued tasks, head first
  task active       Show busy agents and their tasks
  task history      Show finished and requeued jobs
  task inspect      Show one job's attempts from the journal

Config Commands:
  config check      Validate configuration and print its fingerprint
  config lock       Record the config hash so edits are refused until re-locked

General:
  version           Show version information
  help              Show this help message

Admin commands talk to --api-url (default $TASKSERVER_API_URL or ` + defaultAPIURL + `).
Use 'taskserver <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

type action struct {
	run   func([]string) int
	usage string
}

// runNoun dispatches to an action, printing help text for `help` tokens,
// -h/--help flags, and unknown actions.
func runNoun(noun string, args []string, actions map[string]action, help string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, help)
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println(help)
		return 0
	}
	act, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		fmt.Println(act.usage)
		return 0
	}
	return act.run(args[1:])
}

func runSystemNoun(args []string) int {
	return runNoun("system", args, map[string]action{
		"start":  {runStart, "Usage: taskserver system start [--config PATH]\nRun the dispatcher, its API server, and the job journal in the foreground."},
		"status": {runSystemStatus, "Usage: taskserver system status [--api-url URL] [--json]\nShow uptime, agent counts, and queue depth."},
		"watch":  {runWatch, "Usage: taskserver system watch [--api-url URL]\nReal-time monitoring TUI. Keys: q quit, up/down scroll agents."},
	}, "Usage: taskserver system <action>\nActions: start, status, watch")
}

func runAgentNoun(args []string) int {
	return runNoun("agent", args, map[string]action{
		"register":   {runAgentRegister, "Usage: taskserver agent register <name> [--kind KIND] [--endpoint URL] [--api-url URL] [--json]\nRegister an agent. Fails if the name is taken."},
		"unregister": {runAgentUnregister, "Usage: taskserver agent unregister <name> [--api-url URL]\nRemove an agent. A task it was running goes back to the tail of the queue."},
		"list":       {runAgentList, "Usage: taskserver agent list [--api-url URL] [--json]\nList agents in registration order."},
	}, "Usage: taskserver agent <action>\nActions: register, unregister, list")
}

func runTaskNoun(args []string) int {
	return runNoun("task", args, map[string]action{
		"queue":   {runTaskQueue, "Usage: taskserver task queue --package PKG --launch SPEC [--workspace WS] [--api-url URL] [--json]\nAppend a task to the tail of the queue."},
		"list":    {runTaskList, "Usage: taskserver task list [--api-url URL] [--json]\nShow queued tasks as package/launch, head first."},
		"active":  {runTaskActive, "Usage: taskserver task active [--api-url URL] [--json]\nShow busy agents and the launch spec each is running."},
		"history": {runTaskHistory, "Usage: taskserver task history [--limit N] [--api-url URL] [--json]\nShow the most recent journal entries, newest first."},
		"inspect": {runTaskInspect, "Usage: taskserver task inspect <job_id> [--config PATH] [--json]\nShow every agent that held a job and how each hand-off ended, read from the journal database."},
	}, "Usage: taskserver task <action>\nActions: queue, list, active, history, inspect")
}

func runConfigNoun(args []string) int {
	return runNoun("config", args, map[string]action{
		"check": {runConfigCheck, "Usage: taskserver config check [--config PATH] [--strict] [--json]\nValidate configuration, integrity, and timing, then print the fingerprint."},
		"lock":  {runConfigLock, "Usage: taskserver config lock [--config PATH]\nRecord the config file's BLAKE3 hash in the directory's .checksums manifest."},
	}, "Usage: taskserver config <action>\nActions: check, lock")
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
