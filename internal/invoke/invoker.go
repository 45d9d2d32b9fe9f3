// Package invoke is the boundary to external collaborators: container
// build/push services, code-quality checkers, GitOps controllers. The core
// reaches every collaborator through one uniform contract — a name, an
// input map, and a secret map in; a status and an output map back.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/gantry/internal/secrets"
)

// Request is one collaborator invocation on behalf of a job.
type Request struct {
	RunID   string
	JobID   string
	Uses    string // collaborator reference, e.g. "container/build-push"
	Inputs  map[string]string
	Secrets secrets.Scope
	Timeout time.Duration
}

// Result is the collaborator's report for a completed invocation.
type Result struct {
	Outputs map[string]string
}

// Invoker executes one external collaborator. Implementations must honor
// ctx cancellation; the scheduler relies on it for run cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Spec describes what a collaborator requires from its caller. A missing
// required input is a caller configuration error that Fails the job.
type Spec struct {
	RequiredInputs []string
}

// MissingInputsError reports required collaborator inputs absent from the
// assembled payload.
type MissingInputsError struct {
	Job   string
	Uses  string
	Names []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("job %q: collaborator %s requires input(s): %s", e.Job, e.Uses, strings.Join(e.Names, ", "))
}

var ErrMissingInputs = errors.New("missing required input")

func (e *MissingInputsError) Unwrap() error { return ErrMissingInputs }

// CheckInputs validates an assembled payload against the spec. An input
// that rendered to the empty string counts as missing; collaborators have
// no way to distinguish the two.
func (s Spec) CheckInputs(jobID, uses string, inputs map[string]string) error {
	var missing []string
	for _, name := range s.RequiredInputs {
		if inputs[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingInputsError{Job: jobID, Uses: uses, Names: missing}
	}
	return nil
}
