// Package e2e exercises the full stack with real collaborator processes:
// workflow parsing, DAG resolution, scheduling, the exec envelope protocol,
// and the SQLite audit trail.
package e2e

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mattjoyce/gantry/internal/audit"
	"github.com/mattjoyce/gantry/internal/engine"
	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/invoke"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/run"
	"github.com/mattjoyce/gantry/internal/scheduler"
	"github.com/mattjoyce/gantry/internal/workflow"
)

func createCollaborator(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name+".sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write collaborator %s: %v", name, err)
	}
	return path
}

type stack struct {
	eng   *engine.Engine
	audit *audit.Log
}

func buildStack(t *testing.T, ctx context.Context, registry *invoke.Registry, secretSet map[string]string) *stack {
	t.Helper()
	log.Setup("ERROR", "text") // Keep logs clean

	dbPath := filepath.Join(t.TempDir(), "gantry.db")
	auditLog, err := audit.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	hub := events.NewHub(0)
	sched := scheduler.New(registry, hub, auditLog, scheduler.Options{
		MaxConcurrency: 2,
		CancelGrace:    2 * time.Second,
	})
	return &stack{eng: engine.New(sched, auditLog, secretSet), audit: auditLog}
}

func TestEndToEndPipeline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("collaborator scripts require a POSIX shell")
	}

	scriptsDir := t.TempDir()

	// Hop 1: version (emits an output for downstream interpolation)
	versionScript := `#!/bin/sh
cat >/dev/null
echo '{"status":"ok","outputs":{"semver":"v2.0.1"}}'
`
	versionPath := createCollaborator(t, scriptsDir, "version", versionScript)

	// Hop 2: package (verifies the interpolated tag input reached it)
	packageScript := `#!/bin/sh
input=$(cat)
case "$input" in
  *'"tag":"v2.0.1"'*)
    echo '{"status":"ok","outputs":{"artifact":"app-v2.0.1.tar.gz"}}'
    ;;
  *)
    echo '{"status":"error","error":"tag input missing or wrong"}'
    ;;
esac
`
	packagePath := createCollaborator(t, scriptsDir, "package", packageScript)

	// Hop 3: publish (verifies both the artifact input and the secret)
	publishScript := `#!/bin/sh
input=$(cat)
case "$input" in
  *'"artifact":"app-v2.0.1.tar.gz"'*) ;;
  *)
    echo '{"status":"error","error":"missing artifact input"}'
    exit 0
    ;;
esac
case "$input" in
  *'"REGISTRY_TOKEN":"tok-123"'*)
    echo '{"status":"ok","outputs":{"url":"registry.local/app:v2.0.1"}}'
    ;;
  *)
    echo '{"status":"error","error":"missing registry token"}'
    ;;
esac
`
	publishPath := createCollaborator(t, scriptsDir, "publish", publishScript)

	registry := invoke.NewRegistry()
	for uses, path := range map[string]string{
		"release/version": versionPath,
		"release/package": packagePath,
		"release/publish": publishPath,
	} {
		if err := registry.Register(uses, invoke.NewExecInvoker(path), invoke.Spec{}); err != nil {
			t.Fatalf("register %s: %v", uses, err)
		}
	}

	doc := `
name: release
on:
  events: [workflow_dispatch]
secrets: [REGISTRY_TOKEN]
jobs:
  version:
    uses: release/version
  package:
    uses: release/package
    needs: [version]
    with:
      tag: "${{ needs.version.outputs.semver }}"
  publish:
    uses: release/publish
    needs: [package]
    secrets: [REGISTRY_TOKEN]
    with:
      artifact: "${{ needs.package.outputs.artifact }}"
`
	wf, err := workflow.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse workflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := buildStack(t, ctx, registry, map[string]string{"REGISTRY_TOKEN": "tok-123"})
	if err := st.eng.AddWorkflow(wf); err != nil {
		t.Fatalf("add workflow: %v", err)
	}

	r, err := st.eng.Trigger(ctx, "release", "workflow_dispatch", "refs/tags/v2.0.1", "e2e", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	status, err := st.eng.Wait(ctx, r.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != run.StatusSucceeded {
		t.Fatalf("expected run to succeed, got %s (jobs: %v)", status, r.Jobs.Snapshot())
	}

	// The interpolated chain must be visible in memory and in the audit log.
	outs, err := r.Jobs.Outputs("publish")
	if err != nil {
		t.Fatalf("publish outputs: %v", err)
	}
	if outs["url"] != "registry.local/app:v2.0.1" {
		t.Fatalf("unexpected publish outputs: %v", outs)
	}

	persisted, err := st.audit.Outputs(ctx, r.ID, "package")
	if err != nil {
		t.Fatalf("audit outputs: %v", err)
	}
	if persisted["artifact"] != "app-v2.0.1.tar.gz" {
		t.Fatalf("audit log missing package outputs: %v", persisted)
	}

	rec, err := st.audit.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("audit get run: %v", err)
	}
	if rec.Status != run.StatusSucceeded {
		t.Fatalf("audit run status = %q, want succeeded", rec.Status)
	}

	history, err := st.audit.JobHistory(ctx, r.ID, "publish")
	if err != nil {
		t.Fatalf("audit job history: %v", err)
	}
	var last run.State
	for _, tr := range history {
		last = tr.To
	}
	if last != run.StateSucceeded {
		t.Fatalf("publish history ends in %q, want succeeded (history: %v)", last, history)
	}
}

func TestEndToEndFailureSkipsDownstream(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("collaborator scripts require a POSIX shell")
	}

	scriptsDir := t.TempDir()

	okScript := `#!/bin/sh
cat >/dev/null
echo '{"status":"ok"}'
`
	failScript := `#!/bin/sh
cat >/dev/null
echo '{"status":"error","error":"disk full"}'
`
	okPath := createCollaborator(t, scriptsDir, "ok", okScript)
	failPath := createCollaborator(t, scriptsDir, "fail", failScript)

	registry := invoke.NewRegistry()
	if err := registry.Register("task/lint", invoke.NewExecInvoker(okPath), invoke.Spec{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("task/build", invoke.NewExecInvoker(failPath), invoke.Spec{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("task/deploy", invoke.NewExecInvoker(okPath), invoke.Spec{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("task/report", invoke.NewExecInvoker(okPath), invoke.Spec{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	doc := `
name: ci
on:
  events: [push]
jobs:
  lint:
    uses: task/lint
  build:
    uses: task/build
    needs: [lint]
  deploy:
    uses: task/deploy
    needs: [build]
  report:
    uses: task/report
    needs: [deploy]
    if: "${{ always() }}"
`
	wf, err := workflow.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse workflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := buildStack(t, ctx, registry, nil)
	if err := st.eng.AddWorkflow(wf); err != nil {
		t.Fatalf("add workflow: %v", err)
	}

	r, err := st.eng.Trigger(ctx, "ci", "push", "refs/heads/main", "e2e", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	status, err := st.eng.Wait(ctx, r.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != run.StatusFailed {
		t.Fatalf("expected failed run, got %s", status)
	}

	want := map[string]run.State{
		"lint":   run.StateSucceeded,
		"build":  run.StateFailed,
		"deploy": run.StateSkipped,
		"report": run.StateSucceeded,
	}
	snapshot := r.Jobs.Snapshot()
	for id, state := range want {
		if snapshot[id] != state {
			t.Fatalf("job %s = %s, want %s (all: %v)", id, snapshot[id], state, snapshot)
		}
	}

	rec, err := st.audit.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("audit get run: %v", err)
	}
	if rec.Status != run.StatusFailed {
		t.Fatalf("audit run status = %q, want failed", rec.Status)
	}
}

func TestEndToEndCancellation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("collaborator scripts require a POSIX shell")
	}

	scriptsDir := t.TempDir()
	slowScript := `#!/bin/sh
cat >/dev/null
sleep 30
echo '{"status":"ok"}'
`
	slowPath := createCollaborator(t, scriptsDir, "slow", slowScript)

	registry := invoke.NewRegistry()
	if err := registry.Register("task/slow", invoke.NewExecInvoker(slowPath), invoke.Spec{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	doc := `
name: long
on:
  events: [push]
jobs:
  slow:
    uses: task/slow
  after:
    uses: task/slow
    needs: [slow]
`
	wf, err := workflow.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse workflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := buildStack(t, ctx, registry, nil)
	if err := st.eng.AddWorkflow(wf); err != nil {
		t.Fatalf("add workflow: %v", err)
	}

	r, err := st.eng.Trigger(ctx, "long", "push", "refs/heads/main", "e2e", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// Wait for the first job to actually be running before cancelling.
	deadline := time.Now().Add(10 * time.Second)
	for {
		state, err := r.Jobs.State("slow")
		if err != nil {
			t.Fatalf("job state: %v", err)
		}
		if state == run.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never started, state %s", state)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !st.eng.Cancel(r.ID) {
		t.Fatalf("cancel returned false for active run")
	}

	status, err := st.eng.Wait(ctx, r.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != run.StatusCancelled {
		t.Fatalf("expected cancelled run, got %s", status)
	}

	snapshot := r.Jobs.Snapshot()
	if snapshot["slow"] != run.StateCancelled {
		t.Fatalf("slow = %s, want cancelled", snapshot["slow"])
	}
	if snapshot["after"] != run.StateCancelled {
		t.Fatalf("after = %s, want cancelled", snapshot["after"])
	}
}
