package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status         string `json:"status"`
	AttachedWorker int    `json:"attached_workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := healthResponse{Status: "ok", AttachedWorker: s.reg.Len()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode healthz response", "error", err)
	}
}
