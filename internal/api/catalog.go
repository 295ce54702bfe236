package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/process"
)

type enginesResponse struct {
	Engines []string `json:"engines"`
}

// processView is the public description of a process definition.
type processView struct {
	Name                     string                        `json:"name"`
	Engine                   string                        `json:"engine"`
	Parameters               []process.ParameterDescriptor `json:"parameters"`
	SizeForecast             string                        `json:"size_forecast,omitempty"`
	DurationForecast         string                        `json:"duration_forecast,omitempty"`
	AllowsMultipleExecutions bool                          `json:"allows_multiple_executions"`
}

type processesResponse struct {
	Processes []processView `json:"processes"`
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, enginesResponse{Engines: s.engines.Names()})
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	defs := s.batches.FindProcessesByTenant(p.Tenant)

	views := make([]processView, 0, len(defs))
	for _, d := range defs {
		v := processView{
			Name:                     d.Name(),
			Engine:                   d.EngineName(),
			Parameters:               d.Parameters(),
			AllowsMultipleExecutions: d.AllowsMultipleExecutions(),
		}
		if v.Parameters == nil {
			v.Parameters = []process.ParameterDescriptor{}
		}
		f := d.Forecasts()
		if f.Size != nil {
			v.SizeForecast = f.Size.String()
		}
		if f.Duration != nil {
			v.DurationForecast = f.Duration.String()
		}
		views = append(views, v)
	}

	s.writeJSON(w, http.StatusOK, processesResponse{Processes: views})
}
