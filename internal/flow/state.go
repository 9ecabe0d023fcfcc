package flow

import (
	"fmt"
	"sync"
	"time"
)

// ActionRecord is one entry of the run's ordered action history. The
// decision step appends one per chosen action; action nodes fill in the
// outcome so later decisions can self-correct.
type ActionRecord struct {
	Action    string    `json:"action"`
	Tool      string    `json:"tool,omitempty"`
	Service   string    `json:"service,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the shared context of exactly one task run. It is created fresh
// at submission, threaded through every node, and discarded when the run
// ends. The mutex exists for fan-out sub-units, which append to ordered
// sequences concurrently; sequential nodes see no contention.
type State struct {
	mu           sync.Mutex
	values       map[string]any
	history      []ActionRecord
	historyLimit int
}

// NewState creates an empty run state. historyLimit bounds the action
// history so prompts built from it cannot grow without bound; 0 means 100.
func NewState(historyLimit int) *State {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &State{
		values:       make(map[string]any),
		historyLimit: historyLimit,
	}
}

// Set stores a value under key, replacing any previous value.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "" when absent or not a
// string.
func (s *State) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Delete removes key from the state.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// MustGet returns the value under key or an error naming the missing key.
// Nodes use it for inputs whose absence is fatal to the run.
func (s *State) MustGet(key string) (any, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("required state key %q is missing", key)
	}
	return v, nil
}

// AppendHistory appends one action record, trimming the oldest entries once
// the configured limit is exceeded.
func (s *State) AppendHistory(rec ActionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

// SetLastOutcome records the outcome on the most recent history entry.
func (s *State) SetLastOutcome(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return
	}
	s.history[len(s.history)-1].Outcome = outcome
}

// History returns a copy of the action history in append order.
func (s *State) History() []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Value fetches a typed value from state. The second return is false when
// the key is absent or holds a different type.
func Value[T any](s *State, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
