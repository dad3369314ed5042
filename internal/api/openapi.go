package api

import (
	"net/http"
	"strings"
)

type operationDoc struct {
	method    string
	path      string
	id        string
	summary   string
	body      map[string]any
	responses map[string]string
}

var operations = []operationDoc{
	{http.MethodGet, "/healthz", "healthz", "Dispatcher health and counters", nil,
		map[string]string{"200": "Health report"}},
	{http.MethodGet, "/agents", "listAgents", "List registered agents in offer order", nil,
		map[string]string{"200": "Registered agents"}},
	{http.MethodPost, "/agents", "registerAgent", "Register an agent", objectSchema("name", "kind", "endpoint"),
		map[string]string{"200": "Agent accepted", "400": "Bad request", "409": "Name already registered"}},
	{http.MethodDelete, "/agents/{name}", "unregisterAgent", "Unregister an agent; a running job is requeued", nil,
		map[string]string{"200": "Agent removed or unknown"}},
	{http.MethodPost, "/tasks", "queueTask", "Append a task to the queue", objectSchema("workspace", "package", "launch_spec"),
		map[string]string{"200": "Task accepted", "400": "Bad request"}},
	{http.MethodGet, "/tasks/queued", "queuedTasks", "Queued task labels, head first", nil,
		map[string]string{"200": "Queued labels"}},
	{http.MethodGet, "/tasks/active", "activeTasks", "Busy agents and their launch specs", nil,
		map[string]string{"200": "Parallel name and label lists"}},
	{http.MethodGet, "/tasks/history", "taskHistory", "Journal of released jobs, newest first", nil,
		map[string]string{"200": "History entries", "400": "Bad limit"}},
	{http.MethodGet, "/events", "events", "Server-sent dispatcher events", nil,
		map[string]string{"200": "text/event-stream"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the admin routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, op := range operations {
		item, ok := paths[op.path].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[op.path] = item
		}

		responses := map[string]any{}
		for code, desc := range op.responses {
			responses[code] = map[string]any{"description": desc}
		}
		operation := map[string]any{
			"operationId": op.id,
			"summary":     op.summary,
			"responses":   responses,
		}
		if op.body != nil {
			operation["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{"schema": op.body},
				},
			}
		}
		if strings.Contains(op.path, "{name}") {
			operation["parameters"] = []any{map[string]any{
				"name":     "name",
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			}}
		}
		item[strings.ToLower(op.method)] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Task Server",
			"version": "1.0",
		},
		"paths": paths,
	}
}

func objectSchema(fields ...string) map[string]any {
	props := map[string]any{}
	for _, f := range fields {
		props[f] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": props}
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
