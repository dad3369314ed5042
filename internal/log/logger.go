package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// ParseLevel maps a config level name to a slog level. Unknown names fall back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global JSON logger on stdout. Only the first call wins.
func Setup(level string) {
	SetupFormat(level, FormatJSON)
}

// Log output formats accepted by SetupFormat.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
	// FormatAuto picks console on a terminal and JSON otherwise.
	FormatAuto = "auto"
)

// SetupFormat initializes the global logger on stdout with the given format.
// Only the first Setup or SetupFormat call wins.
func SetupFormat(level, format string) {
	once.Do(func() {
		install(os.Stdout, level, format)
	})
}

// SetupWriter replaces the global logger with a JSON one writing to w.
// Used by tools that must keep stdout clean (the watch TUI) and by tests.
func SetupWriter(w io.Writer, level string) {
	once.Do(func() {})
	install(w, level, FormatJSON)
}

func install(w io.Writer, level, format string) {
	lvl := ParseLevel(level)
	var handler slog.Handler
	if useConsole(w, format) {
		handler = newConsoleHandler(w, lvl)
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func useConsole(w io.Writer, format string) bool {
	switch strings.ToLower(format) {
	case FormatConsole:
		return true
	case FormatAuto:
		f, ok := w.(*os.File)
		return ok && isatty.IsTerminal(f.Fd())
	default:
		return false
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithAgent returns a logger with the agent field set.
func WithAgent(name string) *slog.Logger {
	return Get().With(slog.String("agent", name))
}

// WithJob returns a logger with the job_id field set.
func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}
