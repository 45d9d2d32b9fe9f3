package workflow

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/gantry/internal/expr"
)

type fileSpec struct {
	Name    string    `yaml:"name"`
	On      onSpec    `yaml:"on"`
	Secrets []string  `yaml:"secrets"`
	Jobs    yaml.Node `yaml:"jobs"`
}

type onSpec struct {
	Events []string  `yaml:"events"`
	Inputs yaml.Node `yaml:"inputs"`
}

type inputSpec struct {
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Default  string   `yaml:"default"`
	Options  []string `yaml:"options"`
}

type jobSpec struct {
	Uses    string         `yaml:"uses"`
	Needs   []string       `yaml:"needs"`
	If      string         `yaml:"if"`
	With    map[string]any `yaml:"with"`
	Secrets []string       `yaml:"secrets"`
	Timeout string         `yaml:"timeout"`
}

// Load reads and parses a workflow definition file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return wf, nil
}

// Parse validates and compiles a workflow document. All definition errors
// are caught here, before any run is created.
func Parse(data []byte) (*Workflow, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}

	wf := &Workflow{
		Name:    strings.TrimSpace(spec.Name),
		Secrets: spec.Secrets,
		byID:    make(map[string]*Job),
	}
	if wf.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	wf.Events = spec.On.Events
	if len(wf.Events) == 0 {
		wf.Events = []string{"push"}
	}

	if err := parseInputs(wf, &spec.On.Inputs); err != nil {
		return nil, err
	}
	if err := parseJobs(wf, &spec.Jobs); err != nil {
		return nil, err
	}

	fp, err := fingerprint(wf)
	if err != nil {
		return nil, err
	}
	wf.Fingerprint = fp
	return wf, nil
}

func parseInputs(wf *Workflow, node *yaml.Node) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("on.inputs must be a mapping")
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var raw inputSpec
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}

		in := InputSpec{
			Name:     name,
			Type:     InputType(raw.Type),
			Required: raw.Required,
			Default:  raw.Default,
			Options:  raw.Options,
		}
		if in.Type == "" {
			in.Type = InputString
		}

		switch in.Type {
		case InputString, InputBoolean:
			if len(in.Options) > 0 {
				return fmt.Errorf("input %q: options are only valid for choice type", name)
			}
		case InputChoice:
			if len(in.Options) == 0 {
				return fmt.Errorf("input %q: choice type requires options", name)
			}
			if in.Default != "" && !slices.Contains(in.Options, in.Default) {
				return fmt.Errorf("input %q: default %q is not one of the declared options", name, in.Default)
			}
		default:
			return fmt.Errorf("input %q: unknown type %q", name, raw.Type)
		}

		if in.Type == InputBoolean && in.Default != "" && in.Default != "true" && in.Default != "false" {
			return fmt.Errorf("input %q: boolean default must be \"true\" or \"false\"", name)
		}

		if _, dup := wf.Input(name); dup {
			return fmt.Errorf("duplicate input %q", name)
		}
		wf.Inputs = append(wf.Inputs, in)
	}
	return nil
}

func parseJobs(wf *Workflow, node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) == 0 {
		return fmt.Errorf("jobs must be a non-empty mapping")
	}

	// First pass: collect IDs so cross-job references can be checked.
	declared := make(map[string]struct{})
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		if _, dup := declared[id]; dup {
			return fmt.Errorf("duplicate job identifier %q", id)
		}
		declared[id] = struct{}{}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var raw jobSpec
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return fmt.Errorf("job %q: %w", id, err)
		}

		job, err := compileJob(wf, id, raw, declared)
		if err != nil {
			return fmt.Errorf("job %q: %w", id, err)
		}
		job.Index = len(wf.Jobs)
		wf.Jobs = append(wf.Jobs, job)
		wf.byID[id] = job
	}
	return nil
}

func compileJob(wf *Workflow, id string, raw jobSpec, declared map[string]struct{}) (*Job, error) {
	if strings.TrimSpace(raw.Uses) == "" {
		return nil, fmt.Errorf("uses is required")
	}

	job := &Job{
		ID:      id,
		Uses:    strings.TrimSpace(raw.Uses),
		Needs:   raw.Needs,
		Secrets: raw.Secrets,
		Timeout: raw.Timeout,
		IfRaw:   strings.TrimSpace(raw.If),
		With:    make(map[string]*expr.Template, len(raw.With)),
	}

	seen := make(map[string]struct{}, len(job.Needs))
	for _, dep := range job.Needs {
		if dep == id {
			return nil, fmt.Errorf("depends on itself")
		}
		if _, ok := declared[dep]; !ok {
			return nil, fmt.Errorf("needs undeclared job %q", dep)
		}
		if _, dup := seen[dep]; dup {
			return nil, fmt.Errorf("duplicate needs entry %q", dep)
		}
		seen[dep] = struct{}{}
	}

	for _, name := range job.Secrets {
		if !wf.declaresSecret(name) {
			return nil, fmt.Errorf("secret %q is not declared in the workflow secrets list", name)
		}
	}

	if job.IfRaw != "" {
		gate, err := expr.Parse(job.IfRaw)
		if err != nil {
			return nil, fmt.Errorf("if: %w", err)
		}
		job.Gate = gate
		if expr.CallsStatusGuard(gate) {
			job.GateMode = GateAlways
		} else {
			job.GateMode = GateExpression
		}
		if err := checkReferences(wf, job, gate); err != nil {
			return nil, fmt.Errorf("if: %w", err)
		}
	}

	if job.Timeout != "" {
		if _, err := time.ParseDuration(job.Timeout); err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
	}

	for key, val := range raw.With {
		s, err := scalarString(val)
		if err != nil {
			return nil, fmt.Errorf("with.%s: %w", key, err)
		}
		tmpl, err := expr.ParseTemplate(s)
		if err != nil {
			return nil, fmt.Errorf("with.%s: %w", key, err)
		}
		for _, dep := range tmpl.NeededJobs() {
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("with.%s references outputs of %q which is not in needs", key, dep)
			}
		}
		var refErr error
		tmpl.Walk(func(n expr.Node) {
			if refErr == nil {
				refErr = checkRef(wf, job, n)
			}
		})
		if refErr != nil {
			return nil, fmt.Errorf("with.%s: %w", key, refErr)
		}
		job.With[key] = tmpl
	}
	return job, nil
}

// checkReferences enforces scoping on a gate expression: needs.* only for
// declared dependencies, secrets.* only for secrets forwarded to this job,
// inputs.* only for declared trigger inputs.
func checkReferences(wf *Workflow, job *Job, gate expr.Node) error {
	for _, dep := range expr.NeededJobs(gate) {
		if !slices.Contains(job.Needs, dep) {
			return fmt.Errorf("references outputs of %q which is not in needs", dep)
		}
	}

	var refErr error
	expr.Walk(gate, func(n expr.Node) {
		if refErr == nil {
			refErr = checkRef(wf, job, n)
		}
	})
	return refErr
}

func checkRef(wf *Workflow, job *Job, n expr.Node) error {
	r, ok := n.(expr.Ref)
	if !ok || len(r.Path) < 2 {
		return nil
	}
	switch r.Path[0] {
	case "secrets":
		if !slices.Contains(job.Secrets, r.Path[1]) {
			return fmt.Errorf("references secret %q which is not forwarded to this job", r.Path[1])
		}
	case "inputs":
		if _, ok := wf.Input(r.Path[1]); !ok {
			return fmt.Errorf("references undeclared input %q", r.Path[1])
		}
	}
	return nil
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case int, int64, uint64, float64:
		return fmt.Sprint(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", v)
	}
}
