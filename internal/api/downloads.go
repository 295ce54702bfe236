package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/model"
)

type downloadsRequest struct {
	IDs []string `json:"ids"`
}

// downloadResult reports one file of a download request. Error is empty on
// success.
type downloadResult struct {
	ID     string            `json:"id"`
	Status int               `json:"status"`
	File   *model.OutputFile `json:"file,omitempty"`
	Error  string            `json:"error,omitempty"`
}

type downloadsResponse struct {
	Results []downloadResult `json:"results"`
}

func (s *Server) handleMarkDownloaded(w http.ResponseWriter, r *http.Request) {
	var req downloadsRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	results := s.outputs.MarkDownloaded(r.Context(), principalFrom(r.Context()), req.IDs)

	out := make([]downloadResult, len(results))
	for i, res := range results {
		out[i] = downloadResult{ID: res.ID, Status: http.StatusOK, File: res.File}
		if res.Err != nil {
			out[i].Status = errorStatus(res.Err)
			out[i].Error = res.Err.Error()
			if out[i].Status == http.StatusInternalServerError {
				s.logger.Error("mark downloaded", "output_file_id", res.ID, "error", res.Err)
				out[i].Error = "mark downloaded failed"
			}
		}
	}

	s.writeJSON(w, http.StatusOK, downloadsResponse{Results: out})
}
