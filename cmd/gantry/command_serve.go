package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/gantry/internal/api"
	"github.com/mattjoyce/gantry/internal/lock"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/spf13/cobra"
)

var serveWorkflowsDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	Long: "Load every workflow in a directory and serve the HTTP API: trigger runs,\n" +
		"inspect status and history, and stream lifecycle events over SSE.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func registerServeCommand(root *cobra.Command) {
	root.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveWorkflowsDir, "workflows", "w", "workflows", "Directory of workflow YAML files")
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")
	logger.Info("gantry starting", "version", version, "workflows", serveWorkflowsDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pidPath := filepath.Join(filepath.Dir(cfg.Audit.Path), "gantry.pid")
	pidLock, err := lock.Acquire(pidPath)
	if err != nil {
		return fmt.Errorf("another gantry instance may be running: %w", err)
	}
	defer pidLock.Release()

	eng, hub, auditLog, err := buildEngine(ctx, cfg, "")
	if err != nil {
		return err
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	if err := eng.LoadDir(serveWorkflowsDir); err != nil {
		return err
	}
	for _, wf := range eng.Workflows() {
		logger.Info("workflow registered", "name", wf.Name, "fingerprint", wf.Fingerprint, "jobs", len(wf.Jobs))
	}

	server := api.New(api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.APIKey,
	}, eng, auditHistory(auditLog), hub)

	logger.Info("gantry running (press Ctrl+C to stop)", "listen", cfg.API.Listen)
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("api: %w", err)
	}
	logger.Info("gantry stopped")
	return nil
}
