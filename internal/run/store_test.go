package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatticeForwardOnly(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateBlocked, true},
		{StatePending, StateReady, true},
		{StateBlocked, StateReady, true},
		{StateReady, StateRunning, true},
		{StateReady, StateSkipped, true},
		{StateReady, StateFailed, true}, // invocation error path
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		// No backward edges.
		{StateRunning, StateReady, false},
		{StateReady, StatePending, false},
		{StateBlocked, StatePending, false},
		// Skipped is not reachable from Running.
		{StateRunning, StateSkipped, false},
		// Terminal states are absorbing.
		{StateSucceeded, StateCancelled, false},
		{StateFailed, StateCancelled, false},
		{StateSkipped, StateRunning, false},
		{StateCancelled, StateReady, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStoreTransitions(t *testing.T) {
	s := NewStore([]string{"build"})

	st, err := s.State("build")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st)

	for _, to := range []State{StateBlocked, StateReady, StateRunning, StateSucceeded} {
		_, err := s.Transition("build", to, "")
		require.NoError(t, err)
	}

	// Late cancellation racing completion is rejected, not applied.
	_, err = s.Transition("build", StateCancelled, "run cancelled")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	hist, err := s.History("build")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, StatePending, hist[0].From)
	assert.Equal(t, StateSucceeded, hist[3].To)
}

func TestStoreUnknownJob(t *testing.T) {
	s := NewStore([]string{"a"})
	_, err := s.State("ghost")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = s.Transition("ghost", StateReady, "")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = s.Outputs("ghost")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestOutputsContract(t *testing.T) {
	s := NewStore([]string{"build"})
	mustTransition(t, s, "build", StateReady, StateRunning)

	// Reading outputs of a non-terminal job is a contract violation.
	_, err := s.Outputs("build")
	assert.ErrorIs(t, err, ErrNotTerminal)

	// Recording outputs requires Succeeded.
	err = s.RecordOutputs("build", map[string]string{"tag": "v1"})
	assert.ErrorIs(t, err, ErrNotTerminal)

	_, err = s.Transition("build", StateSucceeded, "")
	require.NoError(t, err)
	require.NoError(t, s.RecordOutputs("build", map[string]string{"tag": "v1"}))

	out, err := s.Outputs("build")
	require.NoError(t, err)
	assert.Equal(t, "v1", out["tag"])

	// Output records are immutable once written.
	err = s.RecordOutputs("build", map[string]string{"tag": "v2"})
	assert.ErrorIs(t, err, ErrOutputsImmutable)
	out, _ = s.Outputs("build")
	assert.Equal(t, "v1", out["tag"])
}

func TestOutputsCopiedNotAliased(t *testing.T) {
	s := NewStore([]string{"a"})
	mustTransition(t, s, "a", StateReady, StateRunning, StateSucceeded)

	src := map[string]string{"k": "v"}
	require.NoError(t, s.RecordOutputs("a", src))
	src["k"] = "mutated"

	out, err := s.Outputs("a")
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])

	out["k"] = "mutated again"
	again, _ := s.Outputs("a")
	assert.Equal(t, "v", again["k"])
}

func TestSnapshotAndAllTerminal(t *testing.T) {
	s := NewStore([]string{"a", "b"})
	assert.False(t, s.AllTerminal())

	mustTransition(t, s, "a", StateSkipped)
	mustTransition(t, s, "b", StateReady, StateRunning, StateFailed)

	snap := s.Snapshot()
	assert.Equal(t, StateSkipped, snap["a"])
	assert.Equal(t, StateFailed, snap["b"])
	assert.True(t, s.AllTerminal())
}

func TestNewRun(t *testing.T) {
	r := New("deploy", "blake3:abc", TriggerContext{Event: "push", Ref: "main", Actor: "matt"}, []string{"a", "b"})
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "deploy", r.Workflow)
	assert.Equal(t, StatePending, r.Jobs.Snapshot()["a"])

	other := New("deploy", "blake3:abc", r.Trigger, []string{"a"})
	assert.NotEqual(t, r.ID, other.ID)
}

func mustTransition(t *testing.T, s *Store, jobID string, states ...State) {
	t.Helper()
	for _, to := range states {
		_, err := s.Transition(jobID, to, "")
		require.NoError(t, err)
	}
}
