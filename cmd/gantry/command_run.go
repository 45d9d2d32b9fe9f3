package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/run"
	"github.com/mattjoyce/gantry/internal/workflow"
	"github.com/spf13/cobra"
)

var (
	runEvent  string
	runRef    string
	runActor  string
	runInputs []string
	runAudit  string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Trigger a workflow and wait for it to finish",
	Long: "Load a workflow file, trigger it with the given event and inputs, and block\n" +
		"until the run reaches a terminal status. Ctrl+C cancels the run and waits for\n" +
		"running jobs to wind down.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(args[0])
	},
}

func registerRunCommand(root *cobra.Command) {
	root.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runEvent, "event", "workflow_dispatch", "Trigger event name")
	runCmd.Flags().StringVar(&runRef, "ref", "", "Ref the run is for (branch, tag, commit)")
	runCmd.Flags().StringVar(&runActor, "actor", "cli", "Actor recorded on the run")
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Dispatch input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runAudit, "audit", "-", "Audit database path ('-' disables the audit log)")
}

func runWorkflow(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")

	wf, err := workflow.Load(path)
	if err != nil {
		return err
	}

	inputs, err := parseInputFlags(runInputs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, _, auditLog, err := buildEngine(ctx, cfg, runAudit)
	if err != nil {
		return err
	}
	if auditLog != nil {
		defer auditLog.Close()
	}
	if err := eng.AddWorkflow(wf); err != nil {
		return err
	}

	r, err := eng.Trigger(ctx, wf.Name, runEvent, runRef, runActor, inputs)
	if err != nil {
		return err
	}
	logger.Info("run triggered", "run_id", r.ID, "workflow", wf.Name, "event", runEvent)

	go func() {
		<-ctx.Done()
		if eng.Cancel(r.ID) {
			logger.Info("cancellation requested", "run_id", r.ID)
		}
	}()

	status, err := eng.Wait(context.Background(), r.ID)
	if err != nil {
		return err
	}

	printRunSummary(r, status)
	if status != run.StatusSucceeded {
		return fmt.Errorf("run %s %s", r.ID, status)
	}
	return nil
}

func parseInputFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q: expected key=value", p)
		}
		inputs[k] = v
	}
	return inputs, nil
}

func printRunSummary(r *run.Run, status run.Status) {
	mark := "✓"
	if status != run.StatusSucceeded {
		mark = "✗"
	}
	fmt.Printf("%s run %s: %s\n", mark, r.ID, status)

	snapshot := r.Jobs.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %-20s %s\n", id, snapshot[id])
		if snapshot[id] != run.StateSucceeded {
			continue
		}
		outs, err := r.Jobs.Outputs(id)
		if err != nil || len(outs) == 0 {
			continue
		}
		names := make([]string, 0, len(outs))
		for n := range outs {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Printf("    %s=%s\n", n, outs[n])
		}
	}
}
