package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"campus-compute/internal/store"
	"campus-compute/pkg/model"
)

const defaultPriority = 5

// submitJobRequest is the JSON body for POST /v1/jobs. Code travels as a
// JSON string; encoding/json marshals/unmarshals a []byte field as
// standard base64, so clients send base64 text without any special
// handling on either side.
type submitJobRequest struct {
	SubmitterID  string        `json:"submitter_id"`
	Title        string        `json:"title"`
	Code         []byte        `json:"code"`
	Requirements string        `json:"requirements,omitempty"`
	Demands      model.Demands `json:"demands"`
	Priority     int           `json:"priority,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxCodeBytes+(1<<16))

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SubmitterID == "" {
		s.writeError(w, http.StatusBadRequest, "submitter_id is required")
		return
	}
	if req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if len(req.Code) == 0 {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if int64(len(req.Code)) > s.maxCodeBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "code exceeds maximum size")
		return
	}
	if req.Demands.CPUCores <= 0 {
		req.Demands.CPUCores = 1
	}
	if req.Demands.RAMGB <= 0 {
		req.Demands.RAMGB = 1
	}
	if req.Demands.TimeoutSeconds <= 0 {
		req.Demands.TimeoutSeconds = 300
	}
	priority := req.Priority
	if priority <= 0 {
		priority = defaultPriority
	}

	job := &model.Job{
		ID:           uuid.NewString(),
		Title:        req.Title,
		SubmitterID:  req.SubmitterID,
		Code:         req.Code,
		Requirements: req.Requirements,
		Demands:      req.Demands,
		Priority:     priority,
	}

	if err := s.sched.Submit(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			s.writeError(w, http.StatusPaymentRequired, "insufficient credits")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "submitter not found")
			return
		}
		s.log.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

// handleGetJob returns a job to its submitter or to a caller presenting
// the coordinator's admin token; anyone else gets forbidden, not a peek
// at someone else's code or result.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	isAdmin := s.adminToken != "" && r.Header.Get("X-Admin-Token") == s.adminToken

	requesterID := r.URL.Query().Get("requester_id")
	if requesterID == "" && !isAdmin {
		s.writeError(w, http.StatusBadRequest, "requester_id query parameter is required")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if !isAdmin && job.SubmitterID != requesterID {
		s.writeError(w, http.StatusForbidden, "not the job's submitter")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	submitterID := r.URL.Query().Get("submitter_id")
	if submitterID == "" {
		s.writeError(w, http.StatusBadRequest, "submitter_id query parameter is required")
		return
	}

	if err := s.sched.Cancel(r.Context(), id, submitterID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrNotOwner):
			s.writeError(w, http.StatusForbidden, "not the job's submitter")
		case errors.Is(err, store.ErrNotPending):
			s.writeError(w, http.StatusConflict, "job is no longer pending")
		default:
			s.log.Error("cancel job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.log.Error("get cancelled job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}
