// Package doctor checks a loaded taskserver configuration for settings that
// parse cleanly but interact badly: timing values that make healthy agents
// look silent, or an admin API exposed without protection.
package doctor

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mattjoyce/taskserver/internal/config"
	"github.com/mattjoyce/taskserver/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTiming(r)
	d.validateAPIConfig(r)
	d.validateCORS(r)
	d.warnChannelDefaults(r)
	d.warnJournal(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTiming checks the heartbeat timeout against the intervals that
// feed it. Progress reaches the scheduler only through channel polls, and
// eviction is only checked once per tick.
func (d *Doctor) validateTiming(r *Result) {
	svc := d.cfg.Service
	ch := d.cfg.Channel

	if svc.HeartbeatTimeout <= ch.PollInterval {
		d.addError(r, "timing", "service.heartbeat_timeout",
			fmt.Sprintf("heartbeat_timeout (%s) must exceed channel.poll_interval (%s); agents would be evicted before their progress is polled",
				svc.HeartbeatTimeout, ch.PollInterval))
	}
	if svc.HeartbeatTimeout < 2*svc.TickInterval {
		d.addWarning(r, "timing", "service.heartbeat_timeout",
			fmt.Sprintf("heartbeat_timeout (%s) is less than two ticks (%s); eviction will be coarse",
				svc.HeartbeatTimeout, svc.TickInterval))
	}
	if ch.RequestTimeout >= svc.HeartbeatTimeout {
		d.addWarning(r, "timing", "channel.request_timeout",
			fmt.Sprintf("request_timeout (%s) is not below heartbeat_timeout (%s); a slow dispatch can stall a tick past eviction",
				ch.RequestTimeout, svc.HeartbeatTimeout))
	}
	if ch.ConnectTimeout < ch.RetryInterval {
		d.addWarning(r, "timing", "channel.connect_timeout",
			fmt.Sprintf("connect_timeout (%s) is shorter than retry_interval (%s); each bootstrap probes only once",
				ch.ConnectTimeout, ch.RetryInterval))
	}
}

// validateAPIConfig checks the admin listener.
func (d *Doctor) validateAPIConfig(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen",
			fmt.Sprintf("api.listen %q is not host:port: %v", d.cfg.API.Listen, err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("admin API listens on %q without authentication; anyone who can reach it can register agents and queue tasks", d.cfg.API.Listen))
	}
}

func (d *Doctor) validateCORS(r *Result) {
	for i, origin := range d.cfg.API.CORSOrigins {
		field := fmt.Sprintf("api.cors_origins[%d]", i)
		if origin == "*" {
			d.addWarning(r, "api", field, "wildcard CORS origin lets any web page call the admin API")
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			d.addError(r, "api", field, fmt.Sprintf("cors origin %q must be a scheme://host URL or *", origin))
			continue
		}
		if u.Path != "" && u.Path != "/" {
			d.addWarning(r, "api", field, fmt.Sprintf("cors origin %q has a path, which browsers never send", origin))
		}
	}
}

func (d *Doctor) warnChannelDefaults(r *Result) {
	if strings.TrimSpace(d.cfg.Channel.Endpoint) == "" {
		d.addWarning(r, "channel", "channel.endpoint",
			"no default channel endpoint; agents that register without one will never connect")
	}
}

func (d *Doctor) warnJournal(r *Result) {
	if d.cfg.State.Path == storage.MemoryPath {
		d.addWarning(r, "state", "state.path", "journal is in memory; task history is lost on restart")
	}
	if d.cfg.State.JournalRetention == 0 {
		d.addWarning(r, "state", "state.journal_retention", "journal_retention is 0; history is never pruned")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
