package run

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

var (
	ErrUnknownJob        = errors.New("unknown job")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotTerminal       = errors.New("job is not terminal")
	ErrOutputsImmutable  = errors.New("outputs already recorded")
)

// Transition is one append-only entry in a job's state history.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Store tracks per-job state, transition history, and output records for a
// single run. Writes are single-writer-per-job by construction (only the
// scheduler transitions a job), but reads happen concurrently from the API
// and TUI, so access is guarded.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*record
}

type record struct {
	state   State
	history []Transition
	outputs map[string]string
}

// NewStore creates a store with every job Pending.
func NewStore(jobIDs []string) *Store {
	s := &Store{jobs: make(map[string]*record, len(jobIDs))}
	for _, id := range jobIDs {
		s.jobs[id] = &record{state: StatePending}
	}
	return s
}

// State returns a job's current state.
func (s *Store) State(jobID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}
	return rec.state, nil
}

// Transition advances a job along the lattice and appends to its history.
// Illegal transitions are rejected, which is what makes terminal states
// truly terminal even under cancel/complete races.
func (s *Store) Transition(jobID string, to State, reason string) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}
	if !CanTransition(rec.state, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s for job %q", ErrInvalidTransition, rec.state, to, jobID)
	}

	tr := Transition{From: rec.state, To: to, Reason: reason, At: time.Now().UTC()}
	rec.state = to
	rec.history = append(rec.history, tr)
	return tr, nil
}

// RecordOutputs writes a job's output record. Outputs may be written
// exactly once, and only for a Succeeded job.
func (s *Store) RecordOutputs(jobID string, outputs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}
	if rec.state != StateSucceeded {
		return fmt.Errorf("record outputs for job %q in state %s: %w", jobID, rec.state, ErrNotTerminal)
	}
	if rec.outputs != nil {
		return fmt.Errorf("job %q: %w", jobID, ErrOutputsImmutable)
	}

	copied := make(map[string]string, len(outputs))
	maps.Copy(copied, outputs)
	rec.outputs = copied
	return nil
}

// Outputs returns a job's output record. Querying a job that is not yet
// terminal is a caller contract violation and is reported as an error
// instead of returning a partial view.
func (s *Store) Outputs(jobID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}
	if !rec.state.Terminal() {
		return nil, fmt.Errorf("job %q in state %s: %w", jobID, rec.state, ErrNotTerminal)
	}

	out := make(map[string]string, len(rec.outputs))
	maps.Copy(out, rec.outputs)
	return out, nil
}

// History returns a copy of a job's transition sequence.
func (s *Store) History(jobID string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, jobID)
	}
	return append([]Transition(nil), rec.history...), nil
}

// Snapshot returns the current state of every job.
func (s *Store) Snapshot() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]State, len(s.jobs))
	for id, rec := range s.jobs {
		out[id] = rec.state
	}
	return out
}

// AllTerminal reports whether every job has reached a terminal state.
func (s *Store) AllTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.jobs {
		if !rec.state.Terminal() {
			return false
		}
	}
	return true
}
