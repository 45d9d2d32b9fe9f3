// Package scheduler drives a run to completion: it promotes jobs through
// the state lattice as their dependencies resolve, evaluates gate
// conditions exactly once per job, and dispatches invocations to external
// collaborators under a bounded concurrency limit. All state transitions
// are serialized through a single event loop; workers only execute
// invocations and report back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/expr"
	"github.com/mattjoyce/gantry/internal/graph"
	"github.com/mattjoyce/gantry/internal/invoke"
	gantrylog "github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/run"
	"github.com/mattjoyce/gantry/internal/secrets"
	"github.com/mattjoyce/gantry/internal/workflow"
)

const (
	defaultMaxConcurrency = 4
	defaultCancelGrace    = 10 * time.Second
)

// Collaborators resolves a `uses` reference to an invoker and its input
// contract. *invoke.Registry satisfies this.
type Collaborators interface {
	Lookup(uses string) (invoke.Invoker, invoke.Spec, bool)
}

// TransitionRecorder receives every accepted job state transition, in
// order. Used to feed the audit log; may be nil.
type TransitionRecorder interface {
	RecordTransition(runID, jobID string, tr run.Transition) error
}

// Options tune a Scheduler. Zero values select defaults.
type Options struct {
	// MaxConcurrency bounds the number of jobs running at once.
	MaxConcurrency int
	// CancelGrace is how long a cancelled run waits for running jobs to
	// acknowledge before they are force-marked Cancelled.
	CancelGrace time.Duration
}

// Scheduler executes runs. It is safe to reuse across runs; per-run state
// lives in the execution created by Execute.
type Scheduler struct {
	collab   Collaborators
	hub      *events.Hub
	recorder TransitionRecorder
	opts     Options
	logger   *slog.Logger
}

func New(collab Collaborators, hub *events.Hub, recorder TransitionRecorder, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = defaultCancelGrace
	}
	return &Scheduler{
		collab:   collab,
		hub:      hub,
		recorder: recorder,
		opts:     opts,
		logger:   gantrylog.WithComponent("scheduler"),
	}
}

// completion is a worker's report back to the event loop. Exactly one is
// sent per dispatched job.
type completion struct {
	jobID string
	res   invoke.Result
	err   error
}

// execution is the per-run state of the event loop. It is confined to the
// goroutine running Execute; workers never touch it.
type execution struct {
	s          *Scheduler
	ctx        context.Context
	wf         *workflow.Workflow
	g          *graph.Graph
	r          *run.Run
	secretSet  map[string]string
	done       chan completion
	readyQueue []string
	running    int
	cancelled  bool
	logger     *slog.Logger
}

// Execute runs the workflow to completion or cancellation and returns the
// final run status. secretSet is the full secret material available to the
// trigger; each job only ever sees the names it declares. The error return
// reports scheduler faults, not job failures — a run with failed jobs
// returns (StatusFailed, nil).
func (s *Scheduler) Execute(ctx context.Context, wf *workflow.Workflow, g *graph.Graph, r *run.Run, secretSet map[string]string) (run.Status, error) {
	e := &execution{
		s:         s,
		ctx:       ctx,
		wf:        wf,
		g:         g,
		r:         r,
		secretSet: secretSet,
		done:      make(chan completion, len(wf.Jobs)),
		logger:    s.logger.With("run", r.ID, "workflow", wf.Name),
	}

	e.logger.Info("run started", "event", r.Trigger.Event, "jobs", len(wf.Jobs), "fingerprint", wf.Fingerprint)
	s.hub.Publish(events.TypeRunStarted, map[string]any{
		"run_id":      r.ID,
		"workflow":    wf.Name,
		"fingerprint": wf.Fingerprint,
		"event":       r.Trigger.Event,
	})

	// Seed: jobs with dependencies wait in Blocked, roots go straight to
	// readiness evaluation. Walking g.Order keeps the first dispatch
	// deterministic.
	for _, id := range g.Order {
		if len(g.Predecessors(id)) > 0 {
			e.transition(id, run.StateBlocked, "waiting on dependencies")
		}
	}
	for _, id := range g.Order {
		e.advance(id)
	}
	e.dispatch()

	ctxDone := ctx.Done()
	var graceCh <-chan time.Time
	var graceTimer *time.Timer

	for !r.Jobs.AllTerminal() {
		if !e.cancelled && e.running == 0 && len(e.readyQueue) == 0 {
			return run.StatusFailed, fmt.Errorf("run %s: scheduler stalled with non-terminal jobs and no work in flight", r.ID)
		}
		select {
		case c := <-e.done:
			e.running--
			e.complete(c)
			if !e.cancelled {
				e.dispatch()
			}
		case <-ctxDone:
			ctxDone = nil
			e.cancelled = true
			e.cancelPending()
			graceTimer = time.NewTimer(s.opts.CancelGrace)
			graceCh = graceTimer.C
		case <-graceCh:
			graceCh = nil
			e.forceCancelRunning()
		}
	}
	if graceTimer != nil {
		graceTimer.Stop()
	}

	status := e.finalStatus()
	e.logger.Info("run finished", "status", status)
	if status == run.StatusCancelled {
		s.hub.Publish(events.TypeRunCancelled, map[string]any{"run_id": r.ID, "workflow": wf.Name})
	}
	s.hub.Publish(events.TypeRunFinished, map[string]any{
		"run_id":   r.ID,
		"workflow": wf.Name,
		"status":   string(status),
	})
	return status, nil
}

// transition applies a state change, then fans it out to the event hub and
// the audit recorder. A rejected transition is logged and dropped: the only
// legal source of rejections is a completion racing cancellation, and the
// store's forward-only lattice is the authority there.
func (e *execution) transition(jobID string, to run.State, reason string) {
	tr, err := e.r.Jobs.Transition(jobID, to, reason)
	if err != nil {
		e.logger.Debug("transition rejected", "job", jobID, "to", to, "error", err)
		return
	}
	e.logger.Info("job state", "job", jobID, "from", tr.From, "to", tr.To, "reason", reason)
	e.s.hub.Publish(events.TypeJobState, map[string]any{
		"run_id": e.r.ID,
		"job":    jobID,
		"from":   string(tr.From),
		"to":     string(tr.To),
		"reason": reason,
	})
	if e.s.recorder != nil {
		if err := e.s.recorder.RecordTransition(e.r.ID, jobID, tr); err != nil {
			e.logger.Warn("audit record failed", "job", jobID, "error", err)
		}
	}
}

// advance promotes a waiting job to Ready once every predecessor is
// terminal, then evaluates its gate. No-op for jobs already past Blocked.
func (e *execution) advance(id string) {
	if e.cancelled {
		return
	}
	st, err := e.r.Jobs.State(id)
	if err != nil || (st != run.StatePending && st != run.StateBlocked) {
		return
	}
	for _, p := range e.g.Predecessors(id) {
		ps, err := e.r.Jobs.State(p)
		if err != nil || !ps.Terminal() {
			return
		}
	}
	e.enterReady(id)
}

// enterReady transitions a job to Ready and evaluates its gate exactly
// once. The outcome is either Skipped or a slot in the ready queue.
func (e *execution) enterReady(id string) {
	job, _ := e.wf.Job(id)
	e.transition(id, run.StateReady, "dependencies resolved")

	anyFailed := false
	allSucceeded := true
	for _, p := range e.g.Predecessors(id) {
		ps, _ := e.r.Jobs.State(p)
		if ps == run.StateFailed {
			anyFailed = true
		}
		if ps != run.StateSucceeded {
			allSucceeded = false
		}
	}

	// Any predecessor short of Succeeded skips the job outright unless the
	// gate opted into divergent-path handling with always()/failure()/
	// cancelled(). For a plain expression gate the expression is not even
	// evaluated, so the cascade rides through skipped predecessors too.
	if !allSucceeded && job.GateMode != workflow.GateAlways {
		reason := "predecessor skipped"
		if anyFailed {
			reason = "predecessor failed"
		}
		e.settle(id, run.StateSkipped, reason)
		return
	}

	if job.GateMode != workflow.GateDefault {
		ec := e.exprContext(job, anyFailed)
		if !expr.EvalBool(job.Gate, ec) {
			e.settle(id, run.StateSkipped, "condition evaluated to false")
			return
		}
	}
	e.readyQueue = append(e.readyQueue, id)
}

// settle records a terminal state and re-examines successors, which may
// cascade further skips synchronously.
func (e *execution) settle(id string, to run.State, reason string) {
	e.transition(id, to, reason)
	for _, succ := range e.g.Successors(id) {
		e.advance(succ)
	}
}

// dispatch starts ready jobs while runner capacity remains.
func (e *execution) dispatch() {
	for len(e.readyQueue) > 0 && e.running < e.s.opts.MaxConcurrency {
		id := e.readyQueue[0]
		e.readyQueue = e.readyQueue[1:]
		e.start(id)
	}
}

// start assembles the invocation payload for a ready job and hands it to a
// worker. Configuration errors (missing secret, missing required input,
// unknown collaborator) fail the job before anything external runs.
func (e *execution) start(id string) {
	job, _ := e.wf.Job(id)

	inv, spec, ok := e.s.collab.Lookup(job.Uses)
	if !ok {
		e.settle(id, run.StateFailed, fmt.Sprintf("no collaborator registered for %q", job.Uses))
		return
	}

	scope, err := secrets.BuildScope(id, job.Secrets, e.secretSet)
	if err != nil {
		e.settle(id, run.StateFailed, err.Error())
		return
	}

	ec := e.exprContext(job, false)
	inputs := make(map[string]string, len(job.With))
	for key, tmpl := range job.With {
		inputs[key] = tmpl.Render(ec)
	}
	if err := spec.CheckInputs(id, job.Uses, inputs); err != nil {
		e.settle(id, run.StateFailed, err.Error())
		return
	}

	var timeout time.Duration
	if job.Timeout != "" {
		timeout, _ = time.ParseDuration(job.Timeout) // validated at parse time
	}

	e.transition(id, run.StateRunning, "dispatched")
	e.running++
	req := invoke.Request{
		RunID:   e.r.ID,
		JobID:   id,
		Uses:    job.Uses,
		Inputs:  inputs,
		Secrets: scope,
		Timeout: timeout,
	}
	go func() {
		res, err := inv.Invoke(e.ctx, req)
		e.done <- completion{jobID: id, res: res, err: err}
	}()
}

// complete settles a finished invocation. Runs in the event loop.
func (e *execution) complete(c completion) {
	switch {
	case c.err == nil:
		// Outputs must land before successors advance, and the store only
		// accepts them for a Succeeded job, so the cascade runs last.
		e.transition(c.jobID, run.StateSucceeded, "")
		if err := e.r.Jobs.RecordOutputs(c.jobID, c.res.Outputs); err != nil {
			e.logger.Warn("record outputs", "job", c.jobID, "error", err)
		}
		if len(c.res.Outputs) > 0 {
			e.s.hub.Publish(events.TypeJobOutput, map[string]any{
				"run_id":  e.r.ID,
				"job":     c.jobID,
				"outputs": c.res.Outputs,
			})
		}
		for _, succ := range e.g.Successors(c.jobID) {
			e.advance(succ)
		}
	case e.cancelled && errors.Is(c.err, context.Canceled):
		e.settle(c.jobID, run.StateCancelled, "run cancelled")
	default:
		e.settle(c.jobID, run.StateFailed, c.err.Error())
	}
}

// cancelPending marks every job that has not started as Cancelled. Running
// jobs keep their state until their worker reports back or the grace
// period expires; their context is already cancelled.
func (e *execution) cancelPending() {
	e.logger.Warn("run cancelled, stopping pending jobs", "grace", e.s.opts.CancelGrace)
	e.readyQueue = nil
	for _, id := range e.g.Order {
		st, err := e.r.Jobs.State(id)
		if err != nil || st.Terminal() || st == run.StateRunning {
			continue
		}
		e.transition(id, run.StateCancelled, "run cancelled")
	}
}

// forceCancelRunning is the grace-period fallback: collaborators that have
// not acknowledged cancellation are written off. Their late completions
// are rejected by the store's terminal-state rule.
func (e *execution) forceCancelRunning() {
	for _, id := range e.g.Order {
		st, err := e.r.Jobs.State(id)
		if err != nil || st != run.StateRunning {
			continue
		}
		e.logger.Warn("collaborator did not acknowledge cancellation in time", "job", id)
		e.transition(id, run.StateCancelled, "cancellation grace period expired")
	}
}

// exprContext assembles the evaluation environment for a job's gate and
// input templates. Only direct dependencies are visible through needs.*,
// and only the job's declared secrets through secrets.*.
func (e *execution) exprContext(job *workflow.Job, anyFailed bool) *expr.Context {
	needs := make(map[string]expr.NeedResult, len(job.Needs))
	for _, dep := range job.Needs {
		st, err := e.r.Jobs.State(dep)
		if err != nil {
			continue
		}
		nr := expr.NeedResult{Result: string(st)}
		if st == run.StateSucceeded {
			if outs, err := e.r.Jobs.Outputs(dep); err == nil {
				nr.Outputs = outs
			}
		}
		needs[dep] = nr
	}

	scoped := make(map[string]string, len(job.Secrets))
	for _, name := range job.Secrets {
		if v, ok := e.secretSet[name]; ok {
			scoped[name] = v
		}
	}

	return &expr.Context{
		Event: expr.Event{
			Name:  e.r.Trigger.Event,
			Ref:   e.r.Trigger.Ref,
			Actor: e.r.Trigger.Actor,
		},
		Inputs:        e.r.Trigger.Inputs,
		Needs:         needs,
		Secrets:       scoped,
		AnyNeedFailed: anyFailed,
		Cancelled:     e.cancelled,
	}
}

// finalStatus folds job outcomes into the run verdict. Skipped jobs never
// fail a run. A Failed job is discounted when a direct successor that
// opted into failure handling went on to succeed, since the failure was
// handled by an explicit recovery path.
func (e *execution) finalStatus() run.Status {
	if e.cancelled {
		return run.StatusCancelled
	}
	failed := false
	for _, id := range e.g.Order {
		st, err := e.r.Jobs.State(id)
		if err != nil || st != run.StateFailed {
			continue
		}
		if !e.compensated(id) {
			failed = true
		}
	}
	if failed {
		return run.StatusFailed
	}
	return run.StatusSucceeded
}

func (e *execution) compensated(id string) bool {
	for _, succ := range e.g.Successors(id) {
		job, ok := e.wf.Job(succ)
		if !ok || job.GateMode != workflow.GateAlways {
			continue
		}
		if st, err := e.r.Jobs.State(succ); err == nil && st == run.StateSucceeded {
			return true
		}
	}
	return false
}
