package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// maxMessageBytes caps how much of a channel message we are willing to read.
const maxMessageBytes = 64 * 1024

// EncodeGoal serializes a Goal to JSON and writes it to w.
func EncodeGoal(w io.Writer, g *Goal) error {
	if g.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", g.Protocol)
	}
	if g.GoalID == "" {
		return fmt.Errorf("goal missing required field: goal_id")
	}
	if err := json.NewEncoder(w).Encode(g); err != nil {
		return fmt.Errorf("failed to encode goal: %w", err)
	}
	return nil
}

// DecodeGoal reads a Goal from r. Unknown fields are rejected.
func DecodeGoal(r io.Reader) (*Goal, error) {
	var g Goal
	decoder := json.NewDecoder(io.LimitReader(r, maxMessageBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode goal: %w", err)
	}

	if g.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", g.Protocol)
	}
	if g.GoalID == "" {
		return nil, fmt.Errorf("goal missing required field: goal_id")
	}
	return &g, nil
}

// EncodeGoalState serializes a GoalState to JSON and writes it to w.
func EncodeGoalState(w io.Writer, s *GoalState) error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status value: %q", s.Status)
	}
	if err := json.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("failed to encode goal state: %w", err)
	}
	return nil
}

// DecodeGoalState reads a GoalState from r. It is lenient about unknown
// fields so newer agents can add detail, but the status must be known.
func DecodeGoalState(r io.Reader) (*GoalState, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read goal state: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("agent returned an empty goal state")
	}

	var s GoalState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("goal state is not valid JSON: %w", err)
	}
	if s.GoalID == "" {
		return nil, fmt.Errorf("goal state missing required field: goal_id")
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("invalid status value: %q", s.Status)
	}
	return &s, nil
}

// DecodeReady reads a readiness reply from r.
func DecodeReady(r io.Reader) (*Ready, error) {
	var rd Ready
	if err := json.NewDecoder(io.LimitReader(r, maxMessageBytes)).Decode(&rd); err != nil {
		return nil, fmt.Errorf("failed to decode ready reply: %w", err)
	}
	return &rd, nil
}
