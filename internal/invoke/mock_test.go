package invoke

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockInvoker proves the Invoker boundary stays mockable: schedulers and
// registries only ever see the interface, never ExecInvoker.
type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Result), args.Error(1)
}

func TestRegistryDispatchesThroughInterface(t *testing.T) {
	inv := &mockInvoker{}
	inv.On("Invoke", mock.Anything, mock.MatchedBy(func(req Request) bool {
		return req.Uses == "gitops/sync" && req.Inputs["cluster"] == "prod-east"
	})).Return(Result{Outputs: map[string]string{"revision": "abc123"}}, nil).Once()

	reg := NewRegistry()
	require.NoError(t, reg.Register("gitops/*", inv, Spec{RequiredInputs: []string{"cluster"}}))

	resolved, spec, ok := reg.Lookup("gitops/sync")
	require.True(t, ok)
	require.NoError(t, spec.CheckInputs("deploy", "gitops/sync", map[string]string{"cluster": "prod-east"}))

	res, err := resolved.Invoke(context.Background(), Request{
		RunID:  "r-9",
		JobID:  "deploy",
		Uses:   "gitops/sync",
		Inputs: map[string]string{"cluster": "prod-east"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Outputs["revision"])
	inv.AssertExpectations(t)
}

func TestRegistryPropagatesInvokerError(t *testing.T) {
	boom := errors.New("kubeconfig expired")
	inv := &mockInvoker{}
	inv.On("Invoke", mock.Anything, mock.Anything).Return(Result{}, boom).Once()

	reg := NewRegistry()
	require.NoError(t, reg.Register("gitops/*", inv, Spec{}))

	resolved, _, ok := reg.Lookup("gitops/rollback")
	require.True(t, ok)

	_, err := resolved.Invoke(context.Background(), Request{JobID: "rollback", Uses: "gitops/rollback"})
	assert.ErrorIs(t, err, boom)
	inv.AssertExpectations(t)
}
