// Package doctor validates a gantry deployment before it runs anything:
// configuration, collaborator entrypoints, secret material, and the
// workflow definitions against the registered collaborator surface.
package doctor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/graph"
	"github.com/mattjoyce/gantry/internal/invoke"
	"github.com/mattjoyce/gantry/internal/secrets"
	"github.com/mattjoyce/gantry/internal/workflow"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration and workflow definitions together.
type Doctor struct {
	cfg          *config.Config
	workflowsDir string
}

// New creates a Doctor. workflowsDir may be empty to skip workflow checks.
func New(cfg *config.Config, workflowsDir string) *Doctor {
	return &Doctor{cfg: cfg, workflowsDir: workflowsDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.validateScheduler(r)
	d.validateAudit(r)
	d.validateAPI(r)
	d.validateCollaborators(r)
	secretSet := d.validateSecrets(r)
	d.validateWorkflows(r, secretSet)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateScheduler(r *Result) {
	if d.cfg.Scheduler.MaxConcurrency <= 0 {
		d.addError(r, "scheduler", "scheduler.max_concurrency", "max_concurrency must be positive")
	}
	if d.cfg.Scheduler.CancelGrace != "" {
		if _, err := time.ParseDuration(d.cfg.Scheduler.CancelGrace); err != nil {
			d.addError(r, "scheduler", "scheduler.cancel_grace",
				fmt.Sprintf("cancel_grace %q is not a valid duration", d.cfg.Scheduler.CancelGrace))
		}
	}
}

func (d *Doctor) validateAudit(r *Result) {
	if d.cfg.Audit.Path == "" {
		d.addError(r, "audit", "audit.path", "audit.path is required")
		return
	}
	dir := filepath.Dir(d.cfg.Audit.Path)
	if stat, err := os.Stat(dir); err == nil && !stat.IsDir() {
		d.addError(r, "audit", "audit.path",
			fmt.Sprintf("audit directory %q exists but is not a directory", dir))
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required")
		return
	}
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen",
			fmt.Sprintf("api.listen %q is not host:port", d.cfg.API.Listen))
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API has no bearer token configured; every endpoint is open")
	}
}

func (d *Doctor) validateCollaborators(r *Result) {
	if len(d.cfg.Collaborators) == 0 {
		d.addWarning(r, "collaborators", "collaborators", "no collaborators configured; every job will fail to resolve")
		return
	}

	seen := make(map[string]int)
	for i, c := range d.cfg.Collaborators {
		field := fmt.Sprintf("collaborators[%d]", i)

		uses := strings.TrimSpace(c.Uses)
		if uses == "" {
			d.addError(r, "collaborators", field+".uses", "uses reference is empty")
		} else if prev, dup := seen[uses]; dup {
			d.addError(r, "collaborators", field+".uses",
				fmt.Sprintf("uses %q already registered at collaborators[%d]", uses, prev))
		} else {
			seen[uses] = i
		}

		if c.Entrypoint == "" {
			d.addError(r, "collaborators", field+".entrypoint", "entrypoint is required")
		} else if stat, err := os.Stat(c.Entrypoint); err != nil {
			d.addError(r, "collaborators", field+".entrypoint",
				fmt.Sprintf("entrypoint %q not found", c.Entrypoint))
		} else if stat.Mode()&0o111 == 0 {
			d.addError(r, "collaborators", field+".entrypoint",
				fmt.Sprintf("entrypoint %q is not executable", c.Entrypoint))
		}

		if c.Grace != "" {
			if _, err := time.ParseDuration(c.Grace); err != nil {
				d.addError(r, "collaborators", field+".grace",
					fmt.Sprintf("grace %q is not a valid duration", c.Grace))
			}
		}
	}
}

// validateSecrets loads the configured env file so workflow checks can see
// which names are actually available.
func (d *Doctor) validateSecrets(r *Result) map[string]string {
	if d.cfg.Secrets.EnvFile == "" {
		return nil
	}
	set, err := secrets.LoadEnvFile(d.cfg.Secrets.EnvFile)
	if err != nil {
		d.addError(r, "secrets", "secrets.env_file",
			fmt.Sprintf("cannot load %q: %v", d.cfg.Secrets.EnvFile, err))
		return nil
	}
	return set
}

func (d *Doctor) validateWorkflows(r *Result, secretSet map[string]string) {
	if d.workflowsDir == "" {
		return
	}
	entries, err := os.ReadDir(d.workflowsDir)
	if err != nil {
		d.addError(r, "workflows", "", fmt.Sprintf("cannot read workflows dir: %v", err))
		return
	}

	registry := invoke.NewRegistry()
	for _, c := range d.cfg.Collaborators {
		// Registration errors were already reported per collaborator.
		_ = registry.Register(c.Uses, invoke.NewExecInvoker(c.Entrypoint), invoke.Spec{})
	}

	referenced := make(map[string]bool)
	count := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		count++
		path := filepath.Join(d.workflowsDir, entry.Name())
		field := "workflows/" + entry.Name()

		wf, err := workflow.Load(path)
		if err != nil {
			d.addError(r, "workflows", field, err.Error())
			continue
		}
		if _, err := graph.Resolve(wf); err != nil {
			d.addError(r, "workflows", field, err.Error())
			continue
		}

		for _, job := range wf.Jobs {
			referenced[job.Uses] = true
			if _, _, ok := registry.Lookup(job.Uses); !ok {
				d.addError(r, "workflows", field,
					fmt.Sprintf("job %q uses %q, which no collaborator provides", job.ID, job.Uses))
			}
		}
		for _, name := range wf.Secrets {
			if _, ok := secretSet[name]; !ok {
				d.addWarning(r, "workflows", field,
					fmt.Sprintf("secret %q is declared but absent from the configured secret set", name))
			}
		}
	}
	if count == 0 {
		d.addWarning(r, "workflows", "", fmt.Sprintf("no workflow files in %s", d.workflowsDir))
	}

	d.warnUnusedCollaborators(r, registry, referenced)
}

// warnUnusedCollaborators flags registered collaborators no workflow ever
// references. Wildcard families count as used when any member is.
func (d *Doctor) warnUnusedCollaborators(r *Result, registry *invoke.Registry, referenced map[string]bool) {
	used := make(map[string]bool)
	for uses := range referenced {
		used[uses] = true
		if family, _, ok := strings.Cut(uses, "/"); ok {
			used[family+"/*"] = true
		}
	}

	var unused []string
	for _, ref := range registry.References() {
		if !used[ref] {
			unused = append(unused, ref)
		}
	}
	sort.Strings(unused)
	for _, ref := range unused {
		d.addWarning(r, "collaborators", "",
			fmt.Sprintf("collaborator %q is registered but no workflow references it", ref))
	}
}
