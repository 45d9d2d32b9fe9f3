package main

import (
	"context"
	"fmt"

	"github.com/mattjoyce/gantry/internal/api"
	"github.com/mattjoyce/gantry/internal/audit"
	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/engine"
	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/invoke"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/scheduler"
	"github.com/mattjoyce/gantry/internal/secrets"
)

// loadConfig resolves the --config flag, falling back to built-in defaults
// when no file is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildRegistry maps the configured collaborators onto exec invokers.
func buildRegistry(cfg *config.Config) (*invoke.Registry, error) {
	registry := invoke.NewRegistry()
	for _, c := range cfg.Collaborators {
		inv := invoke.NewExecInvoker(c.Entrypoint)
		if g := c.GracePeriod(); g > 0 {
			inv.Grace = g
		}
		spec := invoke.Spec{RequiredInputs: c.RequiredInputs}
		if err := registry.Register(c.Uses, inv, spec); err != nil {
			return nil, fmt.Errorf("register collaborator %q: %w", c.Uses, err)
		}
	}
	return registry, nil
}

// loadSecrets reads the configured dotenv file. The process environment is
// never consulted implicitly.
func loadSecrets(cfg *config.Config) (map[string]string, error) {
	if cfg.Secrets.EnvFile == "" {
		return nil, nil
	}
	set, err := secrets.LoadEnvFile(cfg.Secrets.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	return set, nil
}

// buildEngine assembles the full execution stack from configuration.
// auditPath overrides cfg.Audit.Path when non-empty; pass "" for the
// configured path or "-" to disable the audit log entirely.
func buildEngine(ctx context.Context, cfg *config.Config, auditPath string) (*engine.Engine, *events.Hub, *audit.Log, error) {
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	secretSet, err := loadSecrets(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	path := cfg.Audit.Path
	if auditPath != "" {
		path = auditPath
	}
	var auditLog *audit.Log
	if path != "-" {
		auditLog, err = audit.Open(ctx, path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	hub := events.NewHub(0)
	sched := scheduler.New(registry, hub, schedulerRecorder(auditLog), scheduler.Options{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		CancelGrace:    cfg.Scheduler.Grace(),
	})

	var sink engine.AuditSink
	if auditLog != nil {
		sink = auditLog
	}
	eng := engine.New(sched, sink, secretSet)
	log.WithComponent("main").Info("engine assembled",
		"collaborators", len(cfg.Collaborators),
		"max_concurrency", cfg.Scheduler.MaxConcurrency,
		"audit", path)
	return eng, hub, auditLog, nil
}

// schedulerRecorder keeps the typed-nil *audit.Log out of the scheduler's
// interface field.
func schedulerRecorder(l *audit.Log) scheduler.TransitionRecorder {
	if l == nil {
		return nil
	}
	return l
}

func auditHistory(l *audit.Log) api.History {
	if l == nil {
		return nil
	}
	return l
}
