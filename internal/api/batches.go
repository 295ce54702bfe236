package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/batch"
)

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProcessName == "" {
		s.writeError(w, http.StatusBadRequest, "process_name is required")
		return
	}

	b, err := s.batches.CreateBatch(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		s.writeServiceError(w, "create batch", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	b, err := s.batches.GetBatch(r.Context(), p.Tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get batch", err)
		return
	}

	s.writeJSON(w, http.StatusOK, b)
}
