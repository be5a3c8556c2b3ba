package api

import (
	"net/http"

	"campus-compute/internal/coordinator/registry"
	"campus-compute/pkg/model"
)

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.log.Error("list workers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	if workers == nil {
		workers = []*model.Worker{}
	}

	live := make(map[string]registry.Session, s.reg.Len())
	for _, sess := range s.reg.Snapshot() {
		live[sess.WorkerID] = sess
	}
	for _, wk := range workers {
		sess, ok := live[wk.ID]
		if !ok {
			wk.Status = model.WorkerOffline
			continue
		}
		wk.Status = sess.Status
	}

	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := s.store.RecentActivity(r.Context(), limit)
	if err != nil {
		s.log.Error("recent activity", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 10)
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	entries, err := s.store.TopContributors(r.Context(), limit)
	if err != nil {
		s.log.Error("leaderboard", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build leaderboard")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
