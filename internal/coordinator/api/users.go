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

type createUserRequest struct {
	Username string     `json:"username"`
	Role     model.Role `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" {
		s.writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	switch req.Role {
	case model.RoleSubmitter, model.RoleWorkerOwner:
	case "":
		req.Role = model.RoleSubmitter
	default:
		s.writeError(w, http.StatusBadRequest, "role must be submitter or worker-owner")
		return
	}

	verifier := uuid.NewString()
	user, err := s.store.CreateUser(r.Context(), req.Username, verifier, req.Role, s.startingGrant)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			s.writeError(w, http.StatusConflict, "username already exists")
			return
		}
		s.log.Error("create user", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.writeJSON(w, http.StatusCreated, struct {
		*model.User
		Verifier string `json:"verifier"`
	}{user, verifier})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := s.store.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.Error("get user", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := s.store.GetBalance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.Error("get balance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleListUserJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := s.store.ListJobsBySubmitter(r.Context(), id)
	if err != nil {
		s.log.Error("list user jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}
