package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"campus-compute/internal/store"
)

func (s *Server) handleAdminRemoveWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.reg.Detach(id)

	if err := s.store.RemoveWorker(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.log.Error("admin remove worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove worker")
		return
	}
	_ = s.store.LogActivity(r.Context(), "worker_removed_by_admin", "", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleAdminPauseWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.PauseWorker(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleAdminResumeWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.ResumeWorker(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Delta == 0 {
		s.writeError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}

	if err := s.store.AdminAdjust(r.Context(), id, req.Delta, req.Reason); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, store.ErrInsufficientCredits):
			s.writeError(w, http.StatusConflict, "adjustment would leave a negative balance")
		default:
			s.log.Error("admin adjust", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to adjust balance")
		}
		return
	}
	_ = s.store.LogActivity(r.Context(), "admin_adjust", id, req.Reason)

	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.log.Error("get adjusted user", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve user")
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}
