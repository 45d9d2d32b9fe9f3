// Package engine ties the orchestrator together: it owns the loaded
// workflow set, creates runs from trigger events, hands them to the
// scheduler, and tracks active runs so the API and CLI can inspect or
// cancel them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/gantry/internal/graph"
	gantrylog "github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/run"
	"github.com/mattjoyce/gantry/internal/scheduler"
	"github.com/mattjoyce/gantry/internal/workflow"
)

// AuditSink receives the durable side of the run lifecycle. *audit.Log
// satisfies it; nil disables persistence.
type AuditSink interface {
	CreateRun(ctx context.Context, r *run.Run) error
	FinishRun(ctx context.Context, runID string, status run.Status) error
	RecordOutputs(ctx context.Context, runID, jobID string, outputs map[string]string) error
}

// defaultRetention is how long a finished run stays queryable in memory
// before eviction. The audit log keeps the durable history.
const defaultRetention = time.Hour

// Engine coordinates workflows, runs, and the scheduler.
type Engine struct {
	sched     *scheduler.Scheduler
	audit     AuditSink
	secretSet map[string]string
	retention time.Duration
	logger    *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	graphs    map[string]*graph.Graph
	active    map[string]*activeRun
}

type activeRun struct {
	r      *run.Run
	cancel context.CancelFunc
	done   chan struct{}
	status run.Status
}

// New creates an engine. secretSet is the secret material available to
// triggers; audit may be nil.
func New(sched *scheduler.Scheduler, audit AuditSink, secretSet map[string]string) *Engine {
	return &Engine{
		sched:     sched,
		audit:     audit,
		secretSet: secretSet,
		retention: defaultRetention,
		logger:    gantrylog.WithComponent("engine"),
		workflows: make(map[string]*workflow.Workflow),
		graphs:    make(map[string]*graph.Graph),
		active:    make(map[string]*activeRun),
	}
}

// AddWorkflow registers a parsed workflow, resolving its dependency graph.
// Replaces any workflow of the same name.
func (e *Engine) AddWorkflow(wf *workflow.Workflow) error {
	g, err := graph.Resolve(wf)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.Name] = wf
	e.graphs[wf.Name] = g
	return nil
}

// LoadDir loads every .yaml/.yml workflow in dir.
func (e *Engine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow directory: %w", err)
	}
	var loaded int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		wf, err := workflow.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := e.AddWorkflow(wf); err != nil {
			return err
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no workflows found in %s", dir)
	}
	e.logger.Info("workflows loaded", "dir", dir, "count", loaded)
	return nil
}

// Workflows returns the registered workflows sorted by name.
func (e *Engine) Workflows() []*workflow.Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Workflow returns one registered workflow.
func (e *Engine) Workflow(name string) (*workflow.Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[name]
	return wf, ok
}

// Trigger creates and starts a run for a workflow. The event must be one
// the workflow subscribes to, and rawInputs are validated against the
// declared input schema. The run executes asynchronously; use Wait for the
// outcome.
func (e *Engine) Trigger(ctx context.Context, name, event, ref, actor string, rawInputs map[string]string) (*run.Run, error) {
	e.mu.RLock()
	wf, ok := e.workflows[name]
	g := e.graphs[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	if !wf.AcceptsEvent(event) {
		return nil, fmt.Errorf("workflow %q does not subscribe to event %q", name, event)
	}
	inputs, err := wf.ResolveInputs(rawInputs)
	if err != nil {
		return nil, err
	}

	trigger := run.TriggerContext{Event: event, Ref: ref, Actor: actor, Inputs: inputs}
	r := run.New(wf.Name, wf.Fingerprint, trigger, wf.JobIDs())

	if e.audit != nil {
		if err := e.audit.CreateRun(ctx, r); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{r: r, cancel: cancel, done: make(chan struct{}), status: run.StatusRunning}
	e.mu.Lock()
	e.active[r.ID] = ar
	e.mu.Unlock()

	go e.execute(runCtx, wf, g, ar)
	return r, nil
}

func (e *Engine) execute(ctx context.Context, wf *workflow.Workflow, g *graph.Graph, ar *activeRun) {
	defer close(ar.done)
	defer ar.cancel()

	status, err := e.sched.Execute(ctx, wf, g, ar.r, e.secretSet)
	if err != nil {
		e.logger.Error("run execution fault", "run", ar.r.ID, "error", err)
		status = run.StatusFailed
	}

	e.mu.Lock()
	ar.status = status
	e.mu.Unlock()

	// Finished runs stay queryable for the retention window, then drop
	// from memory; the API falls back to the audit log afterwards.
	time.AfterFunc(e.retention, func() {
		e.mu.Lock()
		delete(e.active, ar.r.ID)
		e.mu.Unlock()
	})

	if e.audit != nil {
		actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range wf.JobIDs() {
			st, err := ar.r.Jobs.State(id)
			if err != nil || st != run.StateSucceeded {
				continue
			}
			outs, err := ar.r.Jobs.Outputs(id)
			if err != nil || len(outs) == 0 {
				continue
			}
			if err := e.audit.RecordOutputs(actx, ar.r.ID, id, outs); err != nil {
				e.logger.Warn("persist outputs", "run", ar.r.ID, "job", id, "error", err)
			}
		}
		if err := e.audit.FinishRun(actx, ar.r.ID, status); err != nil {
			e.logger.Warn("persist run status", "run", ar.r.ID, "error", err)
		}
	}
}

// Run returns an active or recently finished run held in memory.
func (e *Engine) Run(runID string) (*run.Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ar, ok := e.active[runID]
	if !ok {
		return nil, false
	}
	return ar.r, true
}

// Status returns the in-memory status of a run.
func (e *Engine) Status(runID string) (run.Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ar, ok := e.active[runID]
	if !ok {
		return "", false
	}
	return ar.status, true
}

// Cancel requests cancellation of an active run. Reports whether the run
// was known.
func (e *Engine) Cancel(runID string) bool {
	e.mu.RLock()
	ar, ok := e.active[runID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

// Wait blocks until a run finishes and returns its status.
func (e *Engine) Wait(ctx context.Context, runID string) (run.Status, error) {
	e.mu.RLock()
	ar, ok := e.active[runID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown run %q", runID)
	}
	select {
	case <-ar.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ar.status, nil
}
