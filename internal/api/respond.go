package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seantiz/crucible/internal/batch"
	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/execution"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/outputfile"
	"github.com/seantiz/crucible/internal/process"
	"github.com/seantiz/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

type errorResponse struct {
	Error      string                 `json:"error"`
	Violations []constraint.Violation `json:"violations,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps a service error to its HTTP status. Unexpected
// errors are logged and hidden from the client.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, op+" failed")
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Violations: violations(err)})
}

func errorStatus(err error) int {
	var perr *process.InvalidParametersError
	var cerr *constraint.Error
	switch {
	case errors.Is(err, process.ErrProcessNotFound),
		errors.Is(err, batch.ErrBatchNotFound),
		errors.Is(err, execution.ErrBatchNotFound),
		errors.Is(err, execution.ErrExecutionNotFound),
		errors.Is(err, outputfile.ErrOutputFileNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &perr),
		errors.As(err, &cerr),
		errors.Is(err, model.ErrMissingMessage),
		errors.Is(err, model.ErrUnexpectedOutputs),
		errors.Is(err, outputfile.ErrInvalidOutputFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrBatchAlreadyExecuted),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, outputfile.ErrDownloadQuotaExceeded),
		errors.Is(err, outputfile.ErrDownloadRateExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrEngineNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func violations(err error) []constraint.Violation {
	var perr *process.InvalidParametersError
	if errors.As(err, &perr) {
		return perr.Violations
	}
	var cerr *constraint.Error
	if errors.As(err, &cerr) {
		return cerr.Violations
	}
	return nil
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
