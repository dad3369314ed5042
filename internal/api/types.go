package api

import (
	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/registry"
)

// RegisterAgentRequest is the JSON body for POST /agents.
type RegisterAgentRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	// Endpoint is the agent's channel base URL; empty uses the server default.
	Endpoint string `json:"endpoint,omitempty"`
}

// RegisterAgentResponse reports whether the registration was accepted.
type RegisterAgentResponse struct {
	Accepted bool   `json:"accepted"`
	Name     string `json:"name"`
}

// UnregisterAgentResponse is returned by DELETE /agents/{name}.
type UnregisterAgentResponse struct {
	OK bool `json:"ok"`
}

// AgentsResponse is returned by GET /agents.
type AgentsResponse struct {
	Agents []registry.Info `json:"agents"`
}

// QueueTaskRequest is the JSON body for POST /tasks.
type QueueTaskRequest struct {
	Workspace  string `json:"workspace"`
	Package    string `json:"package"`
	LaunchSpec string `json:"launch_spec"`
}

// QueueTaskResponse is returned by POST /tasks.
type QueueTaskResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id,omitempty"`
}

// QueuedTasksResponse is returned by GET /tasks/queued.
type QueuedTasksResponse struct {
	Labels []string `json:"labels"`
}

// ActiveTasksResponse is returned by GET /tasks/active. The slices are parallel.
type ActiveTasksResponse struct {
	AgentNames []string `json:"agent_names"`
	JobLabels  []string `json:"job_labels"`
}

// HistoryResponse is returned by GET /tasks/history.
type HistoryResponse struct {
	Entries []journal.Entry `json:"entries"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	QueueDepth        int    `json:"queue_depth"`
	Agents            int    `json:"agents"`
	Busy              int    `json:"busy"`
	Connecting        int    `json:"connecting"`
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`
}
