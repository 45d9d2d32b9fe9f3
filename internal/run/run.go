package run

import (
	"time"

	"github.com/google/uuid"
)

// TriggerContext is the immutable event context a run is created from.
type TriggerContext struct {
	Event  string // event kind, e.g. push or workflow_dispatch
	Ref    string
	Actor  string
	Inputs map[string]any // typed dispatch inputs, validated by the workflow
}

// Status is the overall outcome of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is one execution instance of a workflow. Exactly one Run exists per
// triggering event and it owns all job records exclusively.
type Run struct {
	ID          string
	Workflow    string
	Fingerprint string
	Trigger     TriggerContext
	CreatedAt   time.Time

	Jobs *Store
}

// New creates a run with all jobs Pending.
func New(workflowName, fingerprint string, trigger TriggerContext, jobIDs []string) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Workflow:    workflowName,
		Fingerprint: fingerprint,
		Trigger:     trigger,
		CreatedAt:   time.Now().UTC(),
		Jobs:        NewStore(jobIDs),
	}
}
