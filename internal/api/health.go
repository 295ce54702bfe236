package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status  string   `json:"status"`
	Store   string   `json:"store"`
	Engines []string `json:"engines"`
}

// handleHealthz reports the registered engines and whether the store
// answers. An unreachable store makes the instance unhealthy; having no
// engines does not, since executions can still be queried and downloaded.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "unchecked", Engines: s.engines.Names()}
	status := http.StatusOK

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store unreachable", "error", err)
			resp.Status, resp.Store = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Store = "ok"
		}
	}

	s.writeJSON(w, status, resp)
}
