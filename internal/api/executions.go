package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/execution"
	"github.com/seantiz/crucible/internal/model"
)

// executionView adds the current status and, once SUCCESS, the output files
// to an execution.
type executionView struct {
	*model.Execution
	Status      model.ExecutionStatus `json:"status"`
	Deadline    time.Time             `json:"deadline"`
	OutputFiles []*model.OutputFile   `json:"output_files,omitempty"`
}

type listExecutionsResponse struct {
	Executions []executionView `json:"executions"`
	Total      int             `json:"total"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

// stepRequest is the JSON body an engine posts to report progress.
type stepRequest struct {
	Status      string             `json:"status"`
	Time        *time.Time         `json:"time,omitempty"`
	Message     string             `json:"message"`
	OutputFiles []model.OutputFile `json:"output_files,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func newExecutionView(e *model.Execution) executionView {
	return executionView{Execution: e, Status: e.CurrentStatus(), Deadline: e.Deadline()}
}

func (s *Server) handleLaunchExecution(w http.ResponseWriter, r *http.Request) {
	var req execution.LaunchRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BatchID == "" {
		s.writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}

	exec, err := s.executions.LaunchExecution(r.Context(), principalFrom(r.Context()), req)
	if err != nil {
		s.writeServiceError(w, "launch execution", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, newExecutionView(exec))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	exec, err := s.executions.GetExecution(r.Context(), p.Tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get execution", err)
		return
	}

	view := newExecutionView(exec)
	view.OutputFiles, err = s.outputs.ListForExecution(r.Context(), exec)
	if err != nil {
		s.writeServiceError(w, "list output files", err)
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var statuses []model.ExecutionStatus
	for _, raw := range r.URL.Query()["status"] {
		for name := range strings.SplitSeq(raw, ",") {
			st, ok := model.ParseStatus(strings.ToUpper(strings.TrimSpace(name)))
			if !ok {
				s.writeError(w, http.StatusBadRequest, "unknown status "+name)
				return
			}
			statuses = append(statuses, st)
		}
	}

	execs, total, err := s.executions.ListExecutions(r.Context(), p.Tenant, statuses, limit, offset)
	if err != nil {
		s.writeServiceError(w, "list executions", err)
		return
	}

	views := make([]executionView, len(execs))
	for i, e := range execs {
		views[i] = newExecutionView(e)
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: views,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := s.executions.GetExecution(r.Context(), p.Tenant, id); err != nil {
		s.writeServiceError(w, "run execution", err)
		return
	}
	exec, err := s.executions.RunExecutable(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "run execution", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, newExecutionView(exec))
}

// handleAppendStep is the callback engines report steps on. Engines carry no
// user principal, so the route sits outside requirePrincipal. A request that
// does name a tenant may only report on that tenant's executions.
func (s *Server) handleAppendStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if tenant := strings.TrimSpace(r.Header.Get(headerTenant)); tenant != "" {
		if _, err := s.executions.GetExecution(r.Context(), tenant, id); err != nil {
			s.writeServiceError(w, "append step", err)
			return
		}
	}

	var req stepRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, ok := model.ParseStatus(strings.ToUpper(req.Status))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	step := model.Step{Status: status, Message: req.Message, OutputFiles: req.OutputFiles}
	if req.Time != nil {
		step.Time = *req.Time
	}

	exec, err := s.executions.AppendStep(r.Context(), id, step)
	if err != nil {
		s.writeServiceError(w, "append step", err)
		return
	}

	s.writeJSON(w, http.StatusOK, newExecutionView(exec))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p := principalFrom(r.Context())

	exec, err := s.executions.Cancel(r.Context(), p.Tenant, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeServiceError(w, "cancel execution", err)
		return
	}

	s.writeJSON(w, http.StatusOK, newExecutionView(exec))
}
