// Package workflow parses declarative YAML pipeline definitions into a
// validated, immutable model: named jobs with typed trigger inputs, secret
// declarations, needs dependencies, and compiled gate expressions.
package workflow

import (
	"github.com/mattjoyce/gantry/internal/expr"
)

// InputType enumerates the legal trigger input types.
type InputType string

const (
	InputString  InputType = "string"
	InputBoolean InputType = "boolean"
	InputChoice  InputType = "choice"
)

// InputSpec declares one trigger input.
type InputSpec struct {
	Name     string
	Type     InputType
	Required bool
	Default  string
	Options  []string // choice type only
}

// GateMode is the condition-evaluation mode of a job. It is derived at
// compile time instead of string-sniffing the expression at schedule time.
type GateMode int

const (
	// GateDefault runs the job only when every predecessor succeeded;
	// there is no expression to evaluate.
	GateDefault GateMode = iota
	// GateExpression evaluates the if expression once the job is ready,
	// but still skips without evaluation when a predecessor failed.
	GateExpression
	// GateAlways evaluates the if expression even after predecessor
	// failure or cancellation, because it calls always()/failure()/
	// cancelled() to route the divergent path itself.
	GateAlways
)

func (m GateMode) String() string {
	switch m {
	case GateExpression:
		return "expression"
	case GateAlways:
		return "always"
	default:
		return "default"
	}
}

// Job is one unit of pipeline work. The struct is immutable after Parse;
// run-time state lives in the run package.
type Job struct {
	ID      string
	Uses    string // external collaborator reference, e.g. "container/build-push"
	Needs   []string
	With    map[string]*expr.Template // input payload, interpolated per invocation
	Secrets []string                  // names forwarded from the workflow secret set
	Timeout string                    // optional collaborator timeout, Go duration syntax

	IfRaw    string // original condition source, empty when absent
	Gate     expr.Node
	GateMode GateMode

	// Index is the declaration position in the YAML document, used as the
	// deterministic tie-break for scheduling order.
	Index int
}

// Workflow is a fully validated pipeline definition.
type Workflow struct {
	Name    string
	Events  []string // trigger event names this workflow accepts
	Inputs  []InputSpec
	Secrets []string // secret names the trigger must be able to supply
	Jobs    []*Job   // declaration order

	// Fingerprint is blake3:<hex> over the normalized compiled form.
	Fingerprint string

	byID map[string]*Job
}

// Job returns the job with the given identifier.
func (w *Workflow) Job(id string) (*Job, bool) {
	j, ok := w.byID[id]
	return j, ok
}

// JobIDs returns all job identifiers in declaration order.
func (w *Workflow) JobIDs() []string {
	out := make([]string, 0, len(w.Jobs))
	for _, j := range w.Jobs {
		out = append(out, j.ID)
	}
	return out
}

// Input returns the input spec with the given name.
func (w *Workflow) Input(name string) (InputSpec, bool) {
	for _, in := range w.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// AcceptsEvent reports whether the trigger event name is declared.
func (w *Workflow) AcceptsEvent(name string) bool {
	for _, e := range w.Events {
		if e == name {
			return true
		}
	}
	return false
}

func (w *Workflow) declaresSecret(name string) bool {
	for _, s := range w.Secrets {
		if s == name {
			return true
		}
	}
	return false
}
