package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/gantry/internal/run"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workflows:     len(s.engine.Workflows()),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs := s.engine.Workflows()
	out := make([]WorkflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, WorkflowSummary{
			Name:        wf.Name,
			Events:      wf.Events,
			Jobs:        wf.JobIDs(),
			Fingerprint: wf.Fingerprint,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Workflow == "" {
		s.writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	if req.Event == "" {
		req.Event = "workflow_dispatch"
	}

	created, err := s.engine.Trigger(r.Context(), req.Workflow, req.Event, req.Ref, req.Actor, req.Inputs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, TriggerRunResponse{
		RunID:    created.ID,
		Workflow: created.Workflow,
		Status:   string(run.StatusRunning),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "run history is not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list runs: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	// Active runs are served from memory; the audit log covers history.
	if active, ok := s.engine.Run(runID); ok {
		status, _ := s.engine.Status(runID)
		jobs := make(map[string]string)
		for id, st := range active.Jobs.Snapshot() {
			jobs[id] = string(st)
		}
		respondJSON(w, http.StatusOK, RunDetail{
			RunID:       active.ID,
			Workflow:    active.Workflow,
			Fingerprint: active.Fingerprint,
			Event:       active.Trigger.Event,
			Status:      string(status),
			CreatedAt:   active.CreatedAt,
			Jobs:        jobs,
		})
		return
	}

	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	rec, err := s.history.GetRun(r.Context(), runID)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load run: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, RunDetail{
		RunID:       rec.ID,
		Workflow:    rec.Workflow,
		Fingerprint: rec.Fingerprint,
		Event:       rec.Event,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
		FinishedAt:  rec.FinishedAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	jobID := chi.URLParam(r, "jobID")

	if active, ok := s.engine.Run(runID); ok {
		st, err := active.Jobs.State(jobID)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		detail := JobDetail{RunID: runID, JobID: jobID, State: string(st)}
		if hist, err := active.Jobs.History(jobID); err == nil {
			for _, tr := range hist {
				detail.History = append(detail.History, JobTransition{
					From: string(tr.From), To: string(tr.To), Reason: tr.Reason, At: tr.At,
				})
			}
		}
		if st == run.StateSucceeded {
			if outs, err := active.Jobs.Outputs(jobID); err == nil && len(outs) > 0 {
				detail.Outputs = outs
			}
		}
		respondJSON(w, http.StatusOK, detail)
		return
	}

	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	hist, err := s.history.JobHistory(r.Context(), runID, jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "job history: "+err.Error())
		return
	}
	if len(hist) == 0 {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	detail := JobDetail{RunID: runID, JobID: jobID, State: string(hist[len(hist)-1].To)}
	for _, tr := range hist {
		detail.History = append(detail.History, JobTransition{
			From: string(tr.From), To: string(tr.To), Reason: tr.Reason, At: tr.At,
		})
	}
	if outs, err := s.history.Outputs(r.Context(), runID, jobID); err == nil && len(outs) > 0 {
		detail.Outputs = outs
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.engine.Cancel(runID) {
		s.writeError(w, http.StatusNotFound, "run not found or already finished")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
