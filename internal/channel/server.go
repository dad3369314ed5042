package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taskserver/internal/protocol"
)

// maxRetainedGoals bounds how many finished goals the server remembers.
const maxRetainedGoals = 64

// Runner executes goals on the agent. progress must be called at least once
// per liveness interval while the goal runs. The returned status should be
// terminal; a non-terminal status is reported as aborted.
type Runner interface {
	Run(ctx context.Context, goal protocol.Goal, progress func()) protocol.Status
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, goal protocol.Goal, progress func()) protocol.Status

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, goal protocol.Goal, progress func()) protocol.Status {
	return f(ctx, goal, progress)
}

type goalRun struct {
	id     string
	status protocol.Status
	seq    int64
	cancel context.CancelFunc
	// stopAs is the status reported when the run was cancelled on purpose.
	stopAs protocol.Status
}

// Server is the agent side of the HTTP channel. It runs one goal at a time;
// a new goal preempts the running one.
type Server struct {
	agent  string
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	goals   map[string]*goalRun
	order   []string
	current *goalRun
	wg      sync.WaitGroup
}

// NewServer returns a Server for agent backed by runner.
func NewServer(agent string, runner Runner, logger *slog.Logger) *Server {
	return &Server{
		agent:  agent,
		runner: runner,
		logger: logger.With("agent", agent),
		goals:  make(map[string]*goalRun),
	}
}

// Routes mounts the channel under /{agent}/active. The agent segment is
// matched after decoding, so any name Address can escape is reachable.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{agent}/active", func(r chi.Router) {
		r.Use(s.matchAgent)
		r.Get("/ready", s.handleReady)
		r.Post("/goals", s.handleGoal)
		r.Get("/goals/{goalID}", s.handleGoalState)
	})
	return r
}

func (s *Server) matchAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "agent")
		// chi routed on RawPath only when the request needed it; Path is
		// already decoded otherwise.
		if r.URL.RawPath != "" {
			if unescaped, err := url.PathUnescape(name); err == nil {
				name = unescaped
			}
		}
		if name != s.agent {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rd := protocol.Ready{Agent: s.agent, Ready: true}
	if s.current != nil {
		rd.GoalID = s.current.id
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rd)
}

func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := protocol.DecodeGoal(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if _, dup := s.goals[goal.GoalID]; dup {
		s.mu.Unlock()
		http.Error(w, "goal already received", http.StatusConflict)
		return
	}

	run := &goalRun{id: goal.GoalID, status: protocol.StatusRunning}
	s.remember(run)

	if goal.Agent != "" && goal.Agent != s.agent {
		run.status = protocol.StatusRejected
		st := s.stateOf(run)
		s.mu.Unlock()
		s.logger.Warn("rejected goal for another agent", "goal_id", goal.GoalID, "target", goal.Agent)
		writeGoalState(w, http.StatusAccepted, st)
		return
	}

	if prev := s.current; prev != nil && prev.status == protocol.StatusRunning {
		prev.stopAs = protocol.StatusPreempted
		prev.cancel()
		s.logger.Info("preempting goal", "goal_id", prev.id, "by", goal.GoalID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	s.current = run
	st := s.stateOf(run)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("goal accepted", "goal_id", goal.GoalID, "job_id", goal.JobID, "package", goal.Package, "launch_spec", goal.LaunchSpec)
	go s.run(ctx, run, *goal)

	writeGoalState(w, http.StatusAccepted, st)
}

func (s *Server) run(ctx context.Context, run *goalRun, goal protocol.Goal) {
	defer s.wg.Done()

	progress := func() {
		s.mu.Lock()
		if run.status == protocol.StatusRunning {
			run.seq++
		}
		s.mu.Unlock()
	}

	final := s.runner.Run(ctx, goal, progress)

	s.mu.Lock()
	switch {
	case run.stopAs != "":
		final = run.stopAs
	case !final.IsTerminal():
		final = protocol.StatusAborted
	}
	run.status = final
	run.cancel()
	if s.current == run {
		s.current = nil
	}
	s.mu.Unlock()

	s.logger.Info("goal finished", "goal_id", run.id, "status", final)
}

func (s *Server) handleGoalState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "goalID")

	s.mu.Lock()
	run, ok := s.goals[id]
	var st protocol.GoalState
	if ok {
		st = s.stateOf(run)
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown goal", http.StatusNotFound)
		return
	}
	writeGoalState(w, http.StatusOK, st)
}

// Shutdown recalls the running goal and waits for it to return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.current != nil && s.current.status == protocol.StatusRunning {
		s.current.stopAs = protocol.StatusRecalled
		s.current.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) remember(run *goalRun) {
	s.goals[run.id] = run
	s.order = append(s.order, run.id)
	for len(s.order) > maxRetainedGoals {
		oldest := s.goals[s.order[0]]
		if oldest != nil && oldest.status == protocol.StatusRunning {
			break
		}
		delete(s.goals, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Server) stateOf(run *goalRun) protocol.GoalState {
	return protocol.GoalState{GoalID: run.id, Status: run.status, ProgressSeq: run.seq}
}

func writeGoalState(w http.ResponseWriter, code int, st protocol.GoalState) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = protocol.EncodeGoalState(w, &st)
}
