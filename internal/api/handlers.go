package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taskserver/internal/journal"
	"github.com/mattjoyce/taskserver/internal/queue"
	"github.com/mattjoyce/taskserver/internal/registry"
)

const maxHistoryLimit = 500

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:        stats.Queued,
		Agents:            stats.Agents,
		Busy:              stats.Busy,
		Connecting:        stats.Connecting,
		ConfigFingerprint: s.config.Fingerprint,
	})
}

// handleRegisterAgent handles POST /agents.
// A duplicate name is answered with 409 and accepted=false.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.dispatcher.RegisterAgent(req.Name, req.Kind, req.Endpoint); err != nil {
		if errors.Is(err, registry.ErrAgentAlreadyRegistered) {
			respondJSON(w, http.StatusConflict, RegisterAgentResponse{Accepted: false, Name: ""})
			return
		}
		s.logger.Error("failed to register agent", "agent", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register agent")
		return
	}

	respondJSON(w, http.StatusOK, RegisterAgentResponse{Accepted: true, Name: req.Name})
}

// handleUnregisterAgent handles DELETE /agents/{name}. Unknown names are not an error.
func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.UnregisterAgent(pathParam(r, "name"))
	respondJSON(w, http.StatusOK, UnregisterAgentResponse{OK: true})
}

// pathParam returns the decoded URL parameter key. chi matches against
// RawPath when the request carried escapes that Path cannot represent (such
// as %2F), and against the already decoded Path otherwise, so the parameter
// is unescaped only in the first case.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// handleListAgents handles GET /agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.dispatcher.Agents()
	if agents == nil {
		agents = []registry.Info{}
	}
	respondJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

// handleQueueTask handles POST /tasks. The payload is passed through unvalidated.
func (s *Server) handleQueueTask(w http.ResponseWriter, r *http.Request) {
	var req QueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job := s.dispatcher.QueueTask(queue.EnqueueRequest{
		Workspace:  req.Workspace,
		Package:    req.Package,
		LaunchSpec: req.LaunchSpec,
	})
	respondJSON(w, http.StatusOK, QueueTaskResponse{Accepted: true, JobID: job.ID})
}

// handleQueuedTasks handles GET /tasks/queued.
func (s *Server) handleQueuedTasks(w http.ResponseWriter, r *http.Request) {
	labels := s.dispatcher.QueuedTasks()
	if labels == nil {
		labels = []string{}
	}
	respondJSON(w, http.StatusOK, QueuedTasksResponse{Labels: labels})
}

// handleActiveTasks handles GET /tasks/active.
func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	names, labels := s.dispatcher.ActiveTasks()
	if names == nil {
		names = []string{}
	}
	if labels == nil {
		labels = []string{}
	}
	respondJSON(w, http.StatusOK, ActiveTasksResponse{AgentNames: names, JobLabels: labels})
}

// handleHistory handles GET /tasks/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if s.history == nil {
		respondJSON(w, http.StatusOK, HistoryResponse{Entries: []journal.Entry{}})
		return
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read job history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read job history")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
