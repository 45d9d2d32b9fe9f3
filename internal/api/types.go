package api

import "time"

// TriggerRunRequest is the JSON body for POST /v1/runs.
type TriggerRunRequest struct {
	Workflow string            `json:"workflow"`
	Event    string            `json:"event"`
	Ref      string            `json:"ref,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

// TriggerRunResponse is returned on successful run creation.
type TriggerRunResponse struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Status   string `json:"status"`
}

// WorkflowSummary is one entry of GET /v1/workflows.
type WorkflowSummary struct {
	Name        string   `json:"name"`
	Events      []string `json:"events"`
	Jobs        []string `json:"jobs"`
	Fingerprint string   `json:"fingerprint"`
}

// RunDetail is returned by GET /v1/runs/{runID}.
type RunDetail struct {
	RunID       string            `json:"run_id"`
	Workflow    string            `json:"workflow"`
	Fingerprint string            `json:"fingerprint"`
	Event       string            `json:"event"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Jobs        map[string]string `json:"jobs,omitempty"` // job id -> state
}

// JobDetail is returned by GET /v1/runs/{runID}/jobs/{jobID}.
type JobDetail struct {
	RunID   string            `json:"run_id"`
	JobID   string            `json:"job_id"`
	State   string            `json:"state"`
	History []JobTransition   `json:"history,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// JobTransition is one state change in a job's history.
type JobTransition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workflows     int    `json:"workflows"`
}
