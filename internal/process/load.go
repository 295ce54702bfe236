package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/forecast"
	"github.com/seantiz/crucible/internal/model"
)

// Defaults applies when a process definition omits or mis-states a forecast.
type Defaults struct {
	SizeForecast     forecast.Size
	DurationForecast forecast.Duration
}

// DefaultDefaults predicts a result as large as the input and one hour of work.
func DefaultDefaults() Defaults {
	return Defaults{
		SizeForecast:     forecast.MultiplierSize{Factor: 1},
		DurationForecast: forecast.AbsoluteDuration{Duration: time.Hour},
	}
}

type fileConfig struct {
	Processes []processConfig `yaml:"processes"`
}

type processConfig struct {
	Name                    string                `yaml:"name"`
	Tenants                 []string              `yaml:"tenants"`
	Roles                   []string              `yaml:"roles"`
	Datasets                []string              `yaml:"datasets"`
	Engine                  string                `yaml:"engine"`
	SizeForecast            string                `yaml:"size_forecast"`
	DurationForecast        string                `yaml:"duration_forecast"`
	AllowMultipleExecutions bool                  `yaml:"allow_multiple_executions"`
	Parameters              []ParameterDescriptor `yaml:"parameters"`
	BatchConstraints        struct {
		MaxFiles     int64  `yaml:"max_files"`
		MaxTotalSize string `yaml:"max_total_size"`
	} `yaml:"batch_constraints"`
	ExecutionConstraints struct {
		MaxInputFiles int    `yaml:"max_input_files"`
		MaxInputSize  string `yaml:"max_input_size"`
	} `yaml:"execution_constraints"`
}

// LoadFile reads process definitions from the YAML file at path.
func LoadFile(path string, logger *slog.Logger, defaults Defaults) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open processes file: %w", err)
	}
	defer f.Close()
	return Load(f, logger, defaults)
}

// Load reads process definitions from YAML and binds each one to its
// tenants. A forecast expression that does not parse is logged and replaced
// by the default; anything else that is malformed fails the load.
func Load(r io.Reader, logger *slog.Logger, defaults Defaults) (*Registry, error) {
	var cfg fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode processes: %w", err)
	}

	reg := NewRegistry()
	for i, pc := range cfg.Processes {
		def, err := pc.definition(logger, defaults)
		if err != nil {
			return nil, fmt.Errorf("process #%d %q: %w", i, pc.Name, err)
		}
		for _, tenant := range pc.Tenants {
			if err := reg.Register(tenant, def, pc.Roles...); err != nil {
				return nil, err
			}
		}
		logger.Info("process registered", "process", pc.Name, "engine", pc.Engine, "tenants", pc.Tenants)
	}
	return reg, nil
}

func (pc processConfig) definition(logger *slog.Logger, defaults Defaults) (*Static, error) {
	if pc.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if pc.Engine == "" {
		return nil, fmt.Errorf("engine is required")
	}
	if len(pc.Tenants) == 0 {
		return nil, fmt.Errorf("at least one tenant is required")
	}
	for _, ds := range pc.Datasets {
		if ds == "" {
			return nil, fmt.Errorf("empty dataset name")
		}
	}
	for _, p := range pc.Parameters {
		if p.Name == "" {
			return nil, fmt.Errorf("parameter without a name")
		}
		if p.Type == TypeEnum && len(p.Allowed) == 0 {
			return nil, fmt.Errorf("enum parameter %q has no allowed values", p.Name)
		}
	}

	def := &Static{
		ProcessName:     pc.Name,
		Engine:          pc.Engine,
		Params:          pc.Parameters,
		MultipleAllowed: pc.AllowMultipleExecutions,
		Datasets:        pc.Datasets,
		Forecast: Forecasts{
			Size:     defaults.SizeForecast,
			Duration: defaults.DurationForecast,
		},
	}

	if pc.SizeForecast != "" {
		if size, err := forecast.ParseSize(pc.SizeForecast); err != nil {
			logger.Warn("ignoring size forecast", "process", pc.Name, "error", err)
		} else {
			def.Forecast.Size = size
		}
	}
	if pc.DurationForecast != "" {
		if d, err := forecast.ParseDuration(pc.DurationForecast); err != nil {
			logger.Warn("ignoring duration forecast", "process", pc.Name, "error", err)
		} else {
			def.Forecast.Duration = d
		}
	}

	var batchCheckers []constraint.Checker[*model.Batch]
	if n := pc.BatchConstraints.MaxFiles; n > 0 {
		batchCheckers = append(batchCheckers, constraint.MaxFiles(n))
	}
	if s := pc.BatchConstraints.MaxTotalSize; s != "" {
		n, err := forecast.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("batch_constraints.max_total_size: %w", err)
		}
		batchCheckers = append(batchCheckers, constraint.MaxTotalSize(n))
	}
	def.Batch = constraint.All(batchCheckers...)

	var execCheckers []constraint.Checker[*model.Execution]
	if n := pc.ExecutionConstraints.MaxInputFiles; n > 0 {
		execCheckers = append(execCheckers, constraint.MaxInputFiles(n))
	}
	if s := pc.ExecutionConstraints.MaxInputSize; s != "" {
		n, err := forecast.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("execution_constraints.max_input_size: %w", err)
		}
		execCheckers = append(execCheckers, constraint.MaxInputSize(n))
	}
	def.Execution = constraint.All(execCheckers...)

	return def, nil
}
