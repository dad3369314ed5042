package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/taskserver/internal/api"
	"github.com/mattjoyce/taskserver/internal/client"
	"github.com/mattjoyce/taskserver/internal/tui/watch"
)

const adminTimeout = 10 * time.Second

func envAPIURL() string {
	if v := strings.TrimSpace(os.Getenv("TASKSERVER_API_URL")); v != "" {
		return v
	}
	return defaultAPIURL
}

// adminFlags registers the flags every admin command shares.
func adminFlags(name string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	apiURL := fs.String("api-url", envAPIURL(), "Task server API URL")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	return fs, apiURL, jsonOut
}

// parseAdmin parses args and returns a client, or an exit code when the
// command should stop.
func parseAdmin(fs *flag.FlagSet, args []string, apiURL *string) (*client.Client, int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, 0, false
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return nil, 1, false
	}
	return client.New(*apiURL, adminTimeout), 0, true
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		String()
}

func runSystemStatus(args []string) int {
	fs, apiURL, jsonOut := adminFlags("status")
	c, code, ok := parseAdmin(fs, args, apiURL)
	if !ok {
		return code
	}
	ctx, cancel := adminContext()
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(health)
	}

	fmt.Printf("status: %s\n", health.Status)
	fmt.Printf("uptime: %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	fmt.Printf("agents: %d (busy %d, connecting %d)\n", health.Agents, health.Busy, health.Connecting)
	fmt.Printf("queue_depth: %d\n", health.QueueDepth)
	if health.ConfigFingerprint != "" {
		fmt.Printf("config: %s\n", health.ConfigFingerprint)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", envAPIURL(), "Task server API URL")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "Error: watch needs an interactive terminal (use 'system status' or 'task active' instead)")
		return 1
	}

	m := watch.New(client.New(*apiURL, adminTimeout))
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runAgentRegister(args []string) int {
	fs, apiURL, jsonOut := adminFlags("register")
	kind := fs.String("kind", "", "Agent kind (free-form label)")
	endpoint := fs.String("endpoint", "", "Base URL of the agent's channel server")
	// Accept the name before or after flags.
	name, rest := splitPositional(args)
	c, code, ok := parseAdmin(fs, rest, apiURL)
	if !ok {
		return code
	}
	if name == "" {
		name = fs.Arg(0)
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: taskserver agent register <name> [--kind KIND] [--endpoint URL]")
		return 1
	}

	ctx, cancel := adminContext()
	defer cancel()
	resp, err := c.RegisterAgent(ctx, name, *kind, *endpoint)
	if err != nil && !errors.Is(err, client.ErrConflict) {
		fmt.Fprintf(os.Stderr, "Register failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		if rc := printJSON(resp); rc != 0 {
			return rc
		}
	} else if resp.Accepted {
		fmt.Printf("registered %s\n", resp.Name)
	}
	if !resp.Accepted {
		fmt.Fprintf(os.Stderr, "Agent %q is already registered\n", name)
		return 1
	}
	return 0
}

func runAgentUnregister(args []string) int {
	fs, apiURL, _ := adminFlags("unregister")
	name, rest := splitPositional(args)
	c, code, ok := parseAdmin(fs, rest, apiURL)
	if !ok {
		return code
	}
	if name == "" {
		name = fs.Arg(0)
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: taskserver agent unregister <name>")
		return 1
	}

	ctx, cancel := adminContext()
	defer cancel()
	if err := c.UnregisterAgent(ctx, name); err != nil {
		fmt.Fprintf(os.Stderr, "Unregister failed: %v\n", err)
		return 1
	}
	fmt.Printf("unregistered %s\n", name)
	return 0
}

func runAgentList(args []string) int {
	fs, apiURL, jsonOut := adminFlags("list")
	c, code, ok := parseAdmin(fs, args, apiURL)
	if !ok {
		return code
	}
	ctx, cancel := adminContext()
	defer cancel()

	agents, err := c.Agents(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(api.AgentsResponse{Agents: agents})
	}
	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return 0
	}
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, []string{a.Name, a.Kind})
	}
	fmt.Println(renderTable([]string{"NAME", "KIND"}, rows))
	return 0
}

func runTaskQueue(args []string) int {
	fs, apiURL, jsonOut := adminFlags("queue")
	workspace := fs.String("workspace", "", "Workspace the task runs in")
	pkg := fs.String("package", "", "Package providing the launch spec")
	launchSpec := fs.String("launch", "", "Launch spec to run")
	c, code, ok := parseAdmin(fs, args, apiURL)
	if !ok {
		return code
	}
	if *pkg == "" || *launchSpec == "" {
		fmt.Fprintln(os.Stderr, "Usage: taskserver task queue --package PKG --launch SPEC [--workspace WS]")
		return 1
	}

	ctx, cancel := adminContext()
	defer cancel()
	resp, err := c.QueueTask(ctx, api.QueueTaskRequest{
		Workspace:  *workspace,
		Package:    *pkg,
		LaunchSpec: *launchSpec,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Queue failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("queued %s/%s (job %s)\n", *pkg, *launchSpec, resp.JobID)
	return 0
}

func runTaskList(args []string) int {
	fs, apiURL, jsonOut := adminFlags("list")
	c, code, ok := parseAdmin(fs, args, apiURL)
	if !ok {
		return code
	}
	ctx, cancel := adminContext()
	defer cancel()

	labels, err := c.QueuedTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(api.QueuedTasksResponse{Labels: labels})
	}
	if len(labels) == 0 {
		fmt.Println("queue is empty")
		return 0
	}
	for i, l := range labels {
		fmt.Printf("%d. %s\n", i+1, l)
	}
	return 0
}

func runTaskActive(args []string) int {
	fs, apiURL, jsonOut := adminFlags("active")
	c, code, ok := parseAdmin(fs, args, apiURL)
	if !ok {
		return code
	}
	ctx, cancel := adminContext()
	defer cancel()

	active, err := c.ActiveTasks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Active failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(active)
	}
	if len(active.AgentNames) == 0 {
		fmt.Println("no active tasks")
		return 0
	}
	rows := make([][]string, 0, len(active.AgentNames))
	for i, name := range active.AgentNames {
		label := ""
		if i < len(active.JobLabels) {
			label = active.JobLabels[i]
		}
		rows = append(rows, []string{name, label})
	}
	fmt.Println(renderTable([]string{"AGENT", "TASK"}, rows))
	return 0
}

func runTaskHistory(args []string) int {
	fs, apiURL, jsonOut := adminFlags("history")
	limit := fs.Int("limit", 20, "Maximum entries to show")
	c, code, ok := parseAdmin(fs, args, apiURL)
	if !ok {
		return code
	}
	ctx, cancel := adminContext()
	defer cancel()

	entries, err := c.History(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(api.HistoryResponse{Entries: entries})
	}
	if len(entries) == 0 {
		fmt.Println("no history")
		return 0
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.EndedAt.Local().Format(time.DateTime),
			e.Agent,
			e.Package + "/" + e.LaunchSpec,
			string(e.Outcome),
			string(e.Status),
			fmt.Sprintf("%d", e.Attempt),
		})
	}
	fmt.Println(renderTable([]string{"ENDED", "AGENT", "TASK", "OUTCOME", "STATUS", "ATTEMPT"}, rows))
	return 0
}

// splitPositional pulls a leading non-flag argument off args.
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}
