package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CantinaDigital/claudetini/internal/fallback"
	"github.com/CantinaDigital/claudetini/internal/job"
)

// DispatchRequest is the POST /dispatch body.
type DispatchRequest struct {
	Prompt      string   `json:"prompt"`
	Mode        string   `json:"mode,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	ProjectPath string   `json:"project_path,omitempty"`
	RoadmapItem string   `json:"roadmap_item,omitempty"`
}

// DispatchResponse acknowledges an accepted job.
type DispatchResponse struct {
	JobID string `json:"job_id"`
}

// CancelResponse reports the job status observed at cancel time.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ToggleRequest is the POST /roadmap/toggle body.
type ToggleRequest struct {
	Project  string `json:"project"`
	ItemText string `json:"item_text"`
}

// ToggleResponse reports the item's new state.
type ToggleResponse struct {
	Success   bool `json:"success"`
	NewStatus bool `json:"new_status"`
}

// TranscriptResponse returns a job's durable output lines.
type TranscriptResponse struct {
	JobID string   `json:"job_id"`
	Lines []string `json:"lines"`
}

// HealthzResponse is the liveness payload.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveJobs    int    `json:"active_jobs"`
}

// ErrorResponse carries a human-readable error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ActiveJobs:    s.dispatch.Active(),
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	id, err := s.dispatch.Start(job.Request{
		Prompt:      req.Prompt,
		Mode:        req.Mode,
		Flags:       req.Flags,
		ProjectPath: req.ProjectPath,
		RoadmapItem: req.RoadmapItem,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, DispatchResponse{JobID: id})
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.dispatch.Status(chi.URLParam(r, "jobID"))
	if errors.Is(err, job.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleDispatchCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	st, err := s.dispatch.Cancel(id)
	if errors.Is(err, job.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{JobID: id, Status: string(st)})
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	var req fallback.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	id, err := s.fallback.Start(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, DispatchResponse{JobID: id})
}

func (s *Server) handleFallbackStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.fallback.Status(chi.URLParam(r, "jobID"))
	if errors.Is(err, job.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleFallbackCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	err := s.fallback.Cancel(id)
	if errors.Is(err, job.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{JobID: id, Status: "cancel_requested"})
}

func (s *Server) handleRoadmapToggle(w http.ResponseWriter, r *http.Request) {
	if s.roadmap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "roadmap store not configured")
		return
	}

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Project == "" || req.ItemText == "" {
		s.writeError(w, http.StatusBadRequest, "project and item_text are required")
		return
	}

	newStatus, err := s.roadmap.ToggleItem(r.Context(), req.Project, req.ItemText)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ToggleResponse{Success: true, NewStatus: newStatus})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	exists, lines, err := s.dispatch.Transcript(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, "transcript not found")
		return
	}
	respondJSON(w, http.StatusOK, TranscriptResponse{JobID: id, Lines: lines})
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
