package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/taskserver/internal/log"
	"github.com/mattjoyce/taskserver/internal/protocol"
)

// ErrClosed is returned by Dispatch on a closed channel.
var ErrClosed = errors.New("channel closed")

// Options tunes the HTTP transport.
type Options struct {
	// Endpoint is the base URL used when an agent registered without one.
	Endpoint       string
	RetryInterval  time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	return o
}

// HTTPDialer builds HTTPChannels.
type HTTPDialer struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// NewHTTPDialer returns a dialer. A nil client means http.DefaultClient.
func NewHTTPDialer(opts Options, client *http.Client, logger *slog.Logger) *HTTPDialer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.WithComponent("channel")
	}
	return &HTTPDialer{opts: opts.withDefaults(), client: client, logger: logger}
}

// Dial returns a channel for agent. endpoint overrides Options.Endpoint when set.
func (d *HTTPDialer) Dial(agent, endpoint string) (Channel, error) {
	if endpoint == "" {
		endpoint = d.opts.Endpoint
	}
	addr, err := Address(endpoint, agent)
	if err != nil {
		return nil, err
	}
	return &HTTPChannel{
		agent:   agent,
		baseURL: addr,
		client:  d.client,
		opts:    d.opts,
		logger:  d.logger.With("agent", agent, "channel", Name(agent)),
		status:  protocol.StatusLost,
	}, nil
}

// Address joins an endpoint and the agent's channel name into a base URL.
func Address(endpoint, agent string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("no endpoint for agent %q", agent)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(agent) + "/active", nil
}

// HTTPChannel talks to an agent's Server over HTTP. Progress is observed by
// polling the goal's state and watching its progress sequence number.
type HTTPChannel struct {
	agent   string
	baseURL string
	client  *http.Client
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	goalID string
	status protocol.Status
	seq    int64
	stop   context.CancelFunc
	closed bool
}

// URL returns the channel's base URL.
func (c *HTTPChannel) URL() string { return c.baseURL }

// Initialize probes the ready route until it answers or ctx is done.
func (c *HTTPChannel) Initialize(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()

	for {
		err := c.probe(ctx)
		if err == nil {
			c.logger.Info("channel ready", "url", c.baseURL)
			return nil
		}
		c.logger.Debug("channel not ready yet", "url", c.baseURL, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("initialize %s: %w (last error: %v)", Name(c.agent), ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (c *HTTPChannel) probe(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ready probe returned %d", resp.StatusCode)
	}
	rd, err := protocol.DecodeReady(resp.Body)
	if err != nil {
		return err
	}
	if !rd.Ready {
		return fmt.Errorf("agent %q reports not ready", rd.Agent)
	}
	return nil
}

// Dispatch posts goal to the agent and starts watching it.
func (c *HTTPChannel) Dispatch(ctx context.Context, goal protocol.Goal, sink ProgressSink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.mu.Unlock()

	var body bytes.Buffer
	if err := protocol.EncodeGoal(&body, &goal); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.baseURL+"/goals", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send goal %s: %w", goal.GoalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send goal %s: agent returned %d: %s", goal.GoalID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	st, err := protocol.DecodeGoalState(resp.Body)
	if err != nil {
		return fmt.Errorf("send goal %s: %w", goal.GoalID, err)
	}

	watchCtx, stop := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return ErrClosed
	}
	c.goalID = goal.GoalID
	c.status = st.Status
	c.seq = st.ProgressSeq
	c.stop = stop
	c.mu.Unlock()

	c.logger.Debug("goal accepted", "goal_id", goal.GoalID, "job_id", goal.JobID, "status", st.Status)
	if !st.Status.IsTerminal() {
		go c.watch(watchCtx, goal.GoalID, sink)
	}
	return nil
}

// watch polls the goal until it is terminal, superseded, or the channel closes.
func (c *HTTPChannel) watch(ctx context.Context, goalID string, sink ProgressSink) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := c.fetch(ctx, goalID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Leave the state alone: silence is handled by heartbeat eviction.
			c.logger.Warn("goal status poll failed", "goal_id", goalID, "error", err)
			continue
		}

		c.mu.Lock()
		if c.goalID != goalID {
			c.mu.Unlock()
			return
		}
		advanced := st.ProgressSeq > c.seq
		if advanced {
			c.seq = st.ProgressSeq
		}
		c.status = st.Status
		c.mu.Unlock()

		if advanced {
			sink.Progress(c.agent, goalID)
		}
		if st.Status.IsTerminal() {
			c.logger.Debug("goal reached terminal status", "goal_id", goalID, "status", st.Status)
			return
		}
	}
}

func (c *HTTPChannel) fetch(ctx context.Context, goalID string) (*protocol.GoalState, error) {
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.baseURL+"/goals/"+url.PathEscape(goalID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("goal status returned %d", resp.StatusCode)
	}
	return protocol.DecodeGoalState(resp.Body)
}

// State returns the last observed status.
func (c *HTTPChannel) State() protocol.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close stops the watcher without waiting for it.
func (c *HTTPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	return nil
}
