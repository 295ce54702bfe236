// Package batch admits batch requests: it resolves the process, checks the
// caller's rights, validates parameters and constraints, and persists the
// batch. No execution is started here.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/process"
	"github.com/seantiz/crucible/internal/store"
)

// ErrBatchNotFound is returned when a batch does not exist for the tenant.
var ErrBatchNotFound = errors.New("batch not found")

// Rights answers whether a role may use a process.
type Rights interface {
	IsAllowed(ctx context.Context, tenant, role, processName string) (bool, error)
}

// Ceilings bound the forecast resource use of an admitted batch. Zero
// values disable a ceiling.
type Ceilings struct {
	MaxResultSize      int64
	MaxRunningDuration time.Duration
}

// Request is a request to run a process over a set of input datasets.
type Request struct {
	ProcessName   string                        `json:"process_name"`
	CorrelationID string                        `json:"correlation_id"`
	Parameters    map[string]string             `json:"parameters"`
	FileStats     map[string]model.FileSetStats `json:"fileset_stats"`
}

// Service implements batch admission.
type Service struct {
	store     store.Store
	processes *process.Registry
	rights    Rights
	ceilings  Ceilings
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a batch service.
func NewService(s store.Store, processes *process.Registry, rights Rights, ceilings Ceilings, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		processes: processes,
		rights:    rights,
		ceilings:  ceilings,
		logger:    logger.With("component", "batch"),
		now:       time.Now,
	}
}

// CreateBatch validates req on behalf of p and persists the resulting batch.
// A process the caller's role may not use is reported as not found.
func (s *Service) CreateBatch(ctx context.Context, p model.Principal, req Request) (*model.Batch, error) {
	def, err := s.processes.Find(p.Tenant, req.ProcessName)
	if err != nil {
		return nil, err
	}

	allowed, err := s.rights.IsAllowed(ctx, p.Tenant, p.Role, req.ProcessName)
	if err != nil {
		return nil, fmt.Errorf("check rights: %w", err)
	}
	if !allowed {
		s.logger.Info("process denied to role", "tenant", p.Tenant, "role", p.Role, "process", req.ProcessName)
		return nil, fmt.Errorf("%w: %q for tenant %q", process.ErrProcessNotFound, req.ProcessName, p.Tenant)
	}

	params, err := process.ValidateParameters(def.Parameters(), req.Parameters)
	if err != nil {
		return nil, err
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = model.NewCorrelationID()
	}
	b := &model.Batch{
		ID:            model.NewID(),
		CorrelationID: correlationID,
		ProcessName:   def.Name(),
		Tenant:        p.Tenant,
		User:          p.User,
		UserRole:      p.Role,
		Parameters:    params,
		FileStats:     req.FileStats,
		CreatedAt:     s.now().UTC(),
	}
	if b.FileStats == nil {
		b.FileStats = map[string]model.FileSetStats{}
	}

	checker := constraint.All(def.BatchChecker(), s.forecastChecker(def))
	if err := constraint.Validate(checker, b); err != nil {
		return nil, err
	}

	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	s.logger.Info("batch created",
		"batch_id", b.ID,
		"correlation_id", b.CorrelationID,
		"tenant", b.Tenant,
		"process", b.ProcessName,
		"files", b.TotalFiles(),
		"size_bytes", b.TotalSize(),
	)
	return b, nil
}

// GetBatch returns the batch with id if it belongs to tenant.
func (s *Service) GetBatch(ctx context.Context, tenant, id string) (*model.Batch, error) {
	b, err := s.store.GetBatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if b.Tenant != tenant {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, nil
}

// FindProcessesByTenant lists the processes available to tenant.
func (s *Service) FindProcessesByTenant(tenant string) []process.Definition {
	return s.processes.FindByTenant(tenant)
}

// forecastChecker rejects batches whose forecast result size or running
// duration exceeds the configured ceilings.
func (s *Service) forecastChecker(def process.Definition) constraint.Checker[*model.Batch] {
	fc := def.Forecasts()
	return constraint.Func[*model.Batch](func(b *model.Batch) []constraint.Violation {
		var out []constraint.Violation
		input := b.TotalSize()
		if ceiling := s.ceilings.MaxResultSize; ceiling > 0 && fc.Size != nil {
			if n := fc.Size.ExpectedResultSizeInBytes(input); n > ceiling {
				out = append(out, constraint.Violation{
					Field:   "size_forecast",
					Message: fmt.Sprintf("expected result of %d bytes (%s) exceeds the ceiling of %d", n, fc.Size, ceiling),
				})
			}
		}
		if ceiling := s.ceilings.MaxRunningDuration; ceiling > 0 && fc.Duration != nil {
			if d := fc.Duration.ExpectedRunningDuration(input); d > ceiling {
				out = append(out, constraint.Violation{
					Field:   "duration_forecast",
					Message: fmt.Sprintf("expected running time of %s (%s) exceeds the ceiling of %s", d, fc.Duration, ceiling),
				})
			}
		}
		return out
	})
}
