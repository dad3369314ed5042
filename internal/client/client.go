// Package client talks to the dispatcher's admin API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/taskserver/internal/api"
	"github.com/mattjoyce/taskserver/internal/events"
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/registry"
)

// ErrConflict is returned by RegisterAgent when the name is already taken.
var ErrConflict = errors.New("agent name already registered")

// StatusError carries a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.Code)
	}
	return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
}

// Client is an admin API client. The zero value is not usable; call New.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// New returns a client for baseURL. timeout bounds every request except the
// event stream.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// RegisterAgent adds an agent. endpoint may be empty to use the server default.
func (c *Client) RegisterAgent(ctx context.Context, name, kind, endpoint string) (api.RegisterAgentResponse, error) {
	var resp api.RegisterAgentResponse
	err := c.do(ctx, http.MethodPost, "/agents", api.RegisterAgentRequest{Name: name, Kind: kind, Endpoint: endpoint}, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return api.RegisterAgentResponse{}, fmt.Errorf("%w: %s", ErrConflict, name)
	}
	return resp, err
}

// UnregisterAgent removes an agent. Unknown names succeed.
func (c *Client) UnregisterAgent(ctx context.Context, name string) error {
	var resp api.UnregisterAgentResponse
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name), nil, &resp)
}

// Agents lists registered agents in offer order.
func (c *Client) Agents(ctx context.Context) ([]registry.Info, error) {
	var resp api.AgentsResponse
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// QueueTask appends a task to the dispatcher queue.
func (c *Client) QueueTask(ctx context.Context, req api.QueueTaskRequest) (api.QueueTaskResponse, error) {
	var resp api.QueueTaskResponse
	err := c.do(ctx, http.MethodPost, "/tasks", req, &resp)
	return resp, err
}

// QueuedTasks returns queued labels, head first.
func (c *Client) QueuedTasks(ctx context.Context) ([]string, error) {
	var resp api.QueuedTasksResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/queued", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

// ActiveTasks returns the busy agents and their launch specs.
func (c *Client) ActiveTasks(ctx context.Context) (api.ActiveTasksResponse, error) {
	var resp api.ActiveTasksResponse
	err := c.do(ctx, http.MethodGet, "/tasks/active", nil, &resp)
	return resp, err
}

// History returns up to limit journal entries, newest first. limit <= 0 uses
// the server default.
func (c *Client) History(ctx context.Context, limit int) ([]journal.Entry, error) {
	path := "/tasks/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Health queries /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var resp api.HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

// Stream reads /events until ctx ends or the server closes the stream,
// calling fn for each event. It returns the ID of the last event delivered so
// the caller can resume with it.
func (c *Client) Stream(ctx context.Context, lastID int64, fn func(events.Event)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return lastID, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastID, readStatusError(resp)
	}

	var current events.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				fn(current)
				lastID = current.ID
			}
			current = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return lastID, err
	}
	return lastID, ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode}
	var er api.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(b, &er) == nil {
		se.Message = er.Error
	}
	return se
}
