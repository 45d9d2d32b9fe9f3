package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/graph"
	"github.com/mattjoyce/gantry/internal/invoke"
	"github.com/mattjoyce/gantry/internal/run"
	"github.com/mattjoyce/gantry/internal/workflow"
)

// fakeInvoker is an in-process collaborator double. Behavior is keyed by
// job ID: fail injects an error, block parks the invocation until the
// channel closes (or the context cancels, unless ignoreCtx is set).
type fakeInvoker struct {
	mu          sync.Mutex
	calls       []invoke.Request
	outputs     map[string]map[string]string
	fail        map[string]string
	block       map[string]chan struct{}
	ignoreCtx   bool
	inFlight    int
	maxInFlight int
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		outputs: make(map[string]map[string]string),
		fail:    make(map[string]string),
		block:   make(map[string]chan struct{}),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, req invoke.Request) (invoke.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.block[req.JobID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		if f.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return invoke.Result{}, ctx.Err()
			}
		}
	}
	if msg, ok := f.fail[req.JobID]; ok {
		return invoke.Result{}, fmt.Errorf("collaborator %s: %s", req.Uses, msg)
	}
	return invoke.Result{Outputs: f.outputs[req.JobID]}, nil
}

func (f *fakeInvoker) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		ids = append(ids, c.JobID)
	}
	return ids
}

func (f *fakeInvoker) requestFor(t *testing.T, jobID string) invoke.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.JobID == jobID {
			return c
		}
	}
	t.Fatalf("job %s was never invoked", jobID)
	return invoke.Request{}
}

type harness struct {
	wf    *workflow.Workflow
	g     *graph.Graph
	r     *run.Run
	hub   *events.Hub
	fake  *fakeInvoker
	sched *Scheduler
}

func newHarness(t *testing.T, doc string, opts Options, fake *fakeInvoker) *harness {
	t.Helper()
	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	g, err := graph.Resolve(wf)
	require.NoError(t, err)

	reg := invoke.NewRegistry()
	require.NoError(t, reg.Register("task/*", fake, invoke.Spec{}))

	hub := events.NewHub(256)
	h := &harness{
		wf:   wf,
		g:    g,
		r:    run.New(wf.Name, wf.Fingerprint, run.TriggerContext{Event: "push"}, wf.JobIDs()),
		hub:  hub,
		fake: fake,
	}
	h.sched = New(reg, hub, nil, opts)
	return h
}

func (h *harness) execute(t *testing.T, ctx context.Context, secretSet map[string]string) run.Status {
	t.Helper()
	status, err := h.sched.Execute(ctx, h.wf, h.g, h.r, secretSet)
	require.NoError(t, err)
	return status
}

func (h *harness) state(t *testing.T, jobID string) run.State {
	t.Helper()
	st, err := h.r.Jobs.State(jobID)
	require.NoError(t, err)
	return st
}

func TestLinearPipelineOutputsFlow(t *testing.T) {
	doc := `
name: release
jobs:
  version:
    uses: task/version
  build:
    uses: task/build
    needs: [version]
    with:
      tag: "v${{ needs.version.outputs.semver }}"
`
	fake := newFakeInvoker()
	fake.outputs["version"] = map[string]string{"semver": "1.4.0"}
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StatusSucceeded, status)
	assert.Equal(t, []string{"version", "build"}, fake.invoked())
	req := fake.requestFor(t, "build")
	assert.Equal(t, "v1.4.0", req.Inputs["tag"])
}

func TestConcurrencyBound(t *testing.T) {
	doc := `
name: fanout
jobs:
  a:
    uses: task/a
  b:
    uses: task/b
  c:
    uses: task/c
  join:
    uses: task/join
    needs: [a, b, c]
`
	fake := newFakeInvoker()
	h := newHarness(t, doc, Options{MaxConcurrency: 2}, fake)

	status := h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StatusSucceeded, status)
	assert.LessOrEqual(t, fake.maxInFlight, 2)
	assert.Len(t, fake.calls, 4)
	assert.Equal(t, "join", fake.invoked()[3], "join must run after the fanout")
}

func TestSkipCascadeOnFailure(t *testing.T) {
	doc := `
name: deploy
jobs:
  build:
    uses: task/build
  push:
    uses: task/push
    needs: [build]
  deploy:
    uses: task/deploy
    needs: [push]
`
	fake := newFakeInvoker()
	fake.fail["build"] = "compile error"
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StatusFailed, status)
	assert.Equal(t, run.StateFailed, h.state(t, "build"))
	assert.Equal(t, run.StateSkipped, h.state(t, "push"))
	assert.Equal(t, run.StateSkipped, h.state(t, "deploy"))
	assert.Equal(t, []string{"build"}, fake.invoked(), "skipped jobs must never reach a collaborator")
}

func TestAlwaysGateRunsAfterFailure(t *testing.T) {
	doc := `
name: with-cleanup
jobs:
  build:
    uses: task/build
  report:
    uses: task/report
    needs: [build]
    if: always()
  notify:
    uses: task/notify
    needs: [build]
    if: failure()
  release:
    uses: task/release
    needs: [build]
    if: success()
`
	fake := newFakeInvoker()
	fake.fail["build"] = "compile error"
	h := newHarness(t, doc, Options{}, fake)

	h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StateSucceeded, h.state(t, "report"))
	assert.Equal(t, run.StateSucceeded, h.state(t, "notify"))
	assert.Equal(t, run.StateSkipped, h.state(t, "release"))
}

func TestCompensatedFailureSucceedsRun(t *testing.T) {
	doc := `
name: fallback
jobs:
  primary:
    uses: task/primary
  fallback:
    uses: task/fallback
    needs: [primary]
    if: failure()
`
	fake := newFakeInvoker()
	fake.fail["primary"] = "unreachable"
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StatusSucceeded, status, "a handled failure must not fail the run")
	assert.Equal(t, run.StateFailed, h.state(t, "primary"))
	assert.Equal(t, run.StateSucceeded, h.state(t, "fallback"))
}

func TestFalseConditionSkipsWithoutInvocation(t *testing.T) {
	doc := `
name: gated
jobs:
  check:
    uses: task/check
  deploy:
    uses: task/deploy
    needs: [check]
    if: needs.check.outputs.changed == 'true'
`
	fake := newFakeInvoker()
	fake.outputs["check"] = map[string]string{"changed": "false"}
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StatusSucceeded, status, "a skipped job must not fail the run")
	assert.Equal(t, run.StateSkipped, h.state(t, "deploy"))
	assert.Equal(t, []string{"check"}, fake.invoked())
}

func TestSkipCascadeThroughSkippedPredecessor(t *testing.T) {
	doc := `
name: gated
jobs:
  check:
    uses: task/check
  deploy:
    uses: task/deploy
    needs: [check]
    if: needs.check.outputs.changed == 'true'
  smoke:
    uses: task/smoke
    needs: [deploy]
  report:
    uses: task/report
    needs: [deploy]
    if: always()
`
	fake := newFakeInvoker()
	fake.outputs["check"] = map[string]string{"changed": "false"}
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), nil)

	assert.Equal(t, run.StatusSucceeded, status)
	assert.Equal(t, run.StateSkipped, h.state(t, "deploy"))
	assert.Equal(t, run.StateSkipped, h.state(t, "smoke"), "a skipped predecessor gates dependents like a failed one")
	assert.Equal(t, run.StateSucceeded, h.state(t, "report"), "always() still runs past a skipped predecessor")
	assert.ElementsMatch(t, []string{"check", "report"}, fake.invoked())
}

// transitionTrail flattens each job's history to comparable steps,
// dropping timestamps.
func transitionTrail(t *testing.T, h *harness) map[string][]string {
	t.Helper()
	trail := make(map[string][]string)
	for _, id := range h.wf.JobIDs() {
		hist, err := h.r.Jobs.History(id)
		require.NoError(t, err)
		steps := make([]string, 0, len(hist))
		for _, tr := range hist {
			steps = append(steps, fmt.Sprintf("%s>%s:%s", tr.From, tr.To, tr.Reason))
		}
		trail[id] = steps
	}
	return trail
}

func TestIdenticalRunsYieldIdenticalTransitions(t *testing.T) {
	doc := `
name: repeatable
jobs:
  version:
    uses: task/version
  build:
    uses: task/build
    needs: [version]
    with:
      tag: "${{ needs.version.outputs.semver }}"
  flaky:
    uses: task/flaky
    needs: [version]
  deploy:
    uses: task/deploy
    needs: [build, flaky]
  report:
    uses: task/report
    needs: [flaky]
    if: always()
`
	execute := func() (run.Status, map[string][]string) {
		fake := newFakeInvoker()
		fake.outputs["version"] = map[string]string{"semver": "v3.1.4"}
		fake.fail["flaky"] = "unit tests failed"
		h := newHarness(t, doc, Options{MaxConcurrency: 1}, fake)
		status := h.execute(t, context.Background(), nil)
		return status, transitionTrail(t, h)
	}

	firstStatus, firstTrail := execute()
	secondStatus, secondTrail := execute()

	assert.Equal(t, firstStatus, secondStatus)
	assert.Equal(t, firstTrail, secondTrail, "same definition, trigger, and collaborator responses must replay the same transitions")
}

func TestMissingSecretFailsJob(t *testing.T) {
	doc := `
name: publish
secrets: [REGISTRY_TOKEN]
jobs:
  push:
    uses: task/push
    secrets: [REGISTRY_TOKEN]
  announce:
    uses: task/announce
    needs: [push]
`
	fake := newFakeInvoker()
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), map[string]string{})

	assert.Equal(t, run.StatusFailed, status)
	assert.Equal(t, run.StateFailed, h.state(t, "push"), "missing secret is a configuration error, not a skip")
	assert.Equal(t, run.StateSkipped, h.state(t, "announce"))
	assert.Empty(t, fake.invoked())
}

func TestSecretsReachOnlyDeclaringJob(t *testing.T) {
	doc := `
name: publish
secrets: [REGISTRY_TOKEN]
jobs:
  push:
    uses: task/push
    secrets: [REGISTRY_TOKEN]
  lint:
    uses: task/lint
`
	fake := newFakeInvoker()
	h := newHarness(t, doc, Options{}, fake)

	status := h.execute(t, context.Background(), map[string]string{"REGISTRY_TOKEN": "hunter2"})

	require.Equal(t, run.StatusSucceeded, status)
	push := fake.requestFor(t, "push")
	assert.Equal(t, "hunter2", push.Secrets["REGISTRY_TOKEN"].Reveal())
	lint := fake.requestFor(t, "lint")
	assert.NotContains(t, lint.Secrets, "REGISTRY_TOKEN")
}

func TestMissingRequiredInputFailsJob(t *testing.T) {
	doc := `
name: deploy
jobs:
  deploy:
    uses: deploy/kubernetes
    with:
      cluster: staging
`
	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	g, err := graph.Resolve(wf)
	require.NoError(t, err)

	fake := newFakeInvoker()
	reg := invoke.NewRegistry()
	require.NoError(t, reg.Register("deploy/kubernetes", fake, invoke.Spec{RequiredInputs: []string{"cluster", "manifest"}}))

	hub := events.NewHub(64)
	r := run.New(wf.Name, wf.Fingerprint, run.TriggerContext{Event: "push"}, wf.JobIDs())
	status, err := New(reg, hub, nil, Options{}).Execute(context.Background(), wf, g, r, nil)
	require.NoError(t, err)

	assert.Equal(t, run.StatusFailed, status)
	st, _ := r.Jobs.State("deploy")
	assert.Equal(t, run.StateFailed, st)
	assert.Empty(t, fake.invoked())
}

func TestUnknownCollaboratorFailsJob(t *testing.T) {
	doc := `
name: oops
jobs:
  mystery:
    uses: vendor/unregistered
`
	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	g, err := graph.Resolve(wf)
	require.NoError(t, err)

	r := run.New(wf.Name, wf.Fingerprint, run.TriggerContext{Event: "push"}, wf.JobIDs())
	status, err := New(invoke.NewRegistry(), events.NewHub(64), nil, Options{}).Execute(context.Background(), wf, g, r, nil)
	require.NoError(t, err)

	assert.Equal(t, run.StatusFailed, status)
}

func TestCancellationStopsEverything(t *testing.T) {
	doc := `
name: long
jobs:
  slow:
    uses: task/slow
  after:
    uses: task/after
    needs: [slow]
`
	fake := newFakeInvoker()
	fake.block["slow"] = make(chan struct{})
	h := newHarness(t, doc, Options{CancelGrace: time.Second}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	status := h.execute(t, ctx, nil)

	assert.Equal(t, run.StatusCancelled, status)
	assert.Equal(t, run.StateCancelled, h.state(t, "slow"))
	assert.Equal(t, run.StateCancelled, h.state(t, "after"))
	assert.Equal(t, []string{"slow"}, fake.invoked(), "blocked successors must not start after cancellation")
}

func TestCancellationGraceForceMarks(t *testing.T) {
	doc := `
name: stubborn
jobs:
  hang:
    uses: task/hang
`
	fake := newFakeInvoker()
	gate := make(chan struct{})
	fake.block["hang"] = gate
	fake.ignoreCtx = true
	defer close(gate)

	h := newHarness(t, doc, Options{CancelGrace: 30 * time.Millisecond}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	status := h.execute(t, ctx, nil)

	assert.Equal(t, run.StatusCancelled, status)
	assert.Equal(t, run.StateCancelled, h.state(t, "hang"), "unresponsive collaborator is force-marked after the grace period")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLifecycleEventsPublished(t *testing.T) {
	doc := `
name: tiny
jobs:
  only:
    uses: task/only
`
	fake := newFakeInvoker()
	fake.outputs["only"] = map[string]string{"ok": "yes"}
	h := newHarness(t, doc, Options{}, fake)

	h.execute(t, context.Background(), nil)

	var types []string
	for _, ev := range h.hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, events.TypeRunStarted, types[0])
	assert.Equal(t, events.TypeRunFinished, types[len(types)-1])
	assert.Contains(t, types, events.TypeJobState)
	assert.Contains(t, types, events.TypeJobOutput)
}

func TestTransitionRecorderSeesEveryTransition(t *testing.T) {
	doc := `
name: audited
jobs:
  a:
    uses: task/a
  b:
    uses: task/b
    needs: [a]
`
	fake := newFakeInvoker()
	rec := &memoryRecorder{}

	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	g, err := graph.Resolve(wf)
	require.NoError(t, err)
	reg := invoke.NewRegistry()
	require.NoError(t, reg.Register("task/*", fake, invoke.Spec{}))

	r := run.New(wf.Name, wf.Fingerprint, run.TriggerContext{Event: "push"}, wf.JobIDs())
	_, err = New(reg, events.NewHub(64), rec, Options{}).Execute(context.Background(), wf, g, r, nil)
	require.NoError(t, err)

	// a: ready, running, succeeded; b: blocked, ready, running, succeeded.
	assert.Len(t, rec.transitions, 7)
	for _, tr := range rec.transitions {
		assert.Equal(t, r.ID, tr.runID)
	}
}

type memoryRecorder struct {
	mu          sync.Mutex
	transitions []recordedTransition
}

type recordedTransition struct {
	runID, jobID string
	tr           run.Transition
}

func (m *memoryRecorder) RecordTransition(runID, jobID string, tr run.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, recordedTransition{runID: runID, jobID: jobID, tr: tr})
	return nil
}
