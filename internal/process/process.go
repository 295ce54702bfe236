// Package process defines the contract a process must fulfil to be run by
// the service, and the registry that binds processes to tenants at startup.
package process

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/forecast"
	"github.com/seantiz/crucible/internal/model"
)

// ErrProcessNotFound is returned when no process with the requested name is
// available to the tenant.
var ErrProcessNotFound = errors.New("process not found")

// Forecasts predicts the resources a process uses for a given input size.
type Forecasts struct {
	Size     forecast.Size
	Duration forecast.Duration
}

// Definition is a registered process.
type Definition interface {
	Name() string
	Parameters() []ParameterDescriptor
	BatchChecker() constraint.Checker[*model.Batch]
	ExecutionChecker() constraint.Checker[*model.Execution]
	EngineName() string
	Forecasts() Forecasts

	// AllowsMultipleExecutions reports whether a batch may have more than
	// one live execution.
	AllowsMultipleExecutions() bool
}

// Registry holds process definitions per tenant.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]map[string]Definition
	roles     map[string]map[string][]string
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{
		processes: make(map[string]map[string]Definition),
		roles:     make(map[string]map[string][]string),
	}
}

// Register makes def available to tenant. Only the given roles may use it;
// no roles means every role.
func (r *Registry) Register(tenant string, def Definition, roles ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.processes[tenant]
	if !ok {
		byName = make(map[string]Definition)
		r.processes[tenant] = byName
		r.roles[tenant] = make(map[string][]string)
	}
	if _, exists := byName[def.Name()]; exists {
		return fmt.Errorf("process %q already registered for tenant %q", def.Name(), tenant)
	}
	byName[def.Name()] = def
	r.roles[tenant][def.Name()] = slices.Clone(roles)
	return nil
}

// Find returns the process named name for tenant.
func (r *Registry) Find(tenant, name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.processes[tenant][name]
	if !ok {
		return nil, fmt.Errorf("%w: %q for tenant %q", ErrProcessNotFound, name, tenant)
	}
	return def, nil
}

// FindByTenant returns every process available to tenant, sorted by name.
func (r *Registry) FindByTenant(tenant string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.processes[tenant]))
	for _, d := range r.processes[tenant] {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name() < defs[j].Name()
	})
	return defs
}

// RoleRights answers rights lookups from the roles given at registration.
type RoleRights struct {
	Registry *Registry
}

// IsAllowed reports whether role may run processName in tenant.
func (rr RoleRights) IsAllowed(_ context.Context, tenant, role, processName string) (bool, error) {
	rr.Registry.mu.RLock()
	defer rr.Registry.mu.RUnlock()

	if _, ok := rr.Registry.processes[tenant][processName]; !ok {
		return false, nil
	}
	roles := rr.Registry.roles[tenant][processName]
	return len(roles) == 0 || slices.Contains(roles, role), nil
}

// Static is a Definition assembled from configuration.
type Static struct {
	ProcessName     string
	Engine          string
	Params          []ParameterDescriptor
	Batch           constraint.Checker[*model.Batch]
	Execution       constraint.Checker[*model.Execution]
	Forecast        Forecasts
	MultipleAllowed bool

	// Datasets are the datasets a batch may announce. Empty means any.
	Datasets []string
}

var _ Definition = (*Static)(nil)

func (s *Static) Name() string                      { return s.ProcessName }
func (s *Static) Parameters() []ParameterDescriptor { return s.Params }
func (s *Static) EngineName() string                { return s.Engine }
func (s *Static) Forecasts() Forecasts              { return s.Forecast }
func (s *Static) AllowsMultipleExecutions() bool    { return s.MultipleAllowed }

func (s *Static) BatchChecker() constraint.Checker[*model.Batch] {
	return constraint.All(constraint.LinkedDatasets(s.Datasets...), s.Batch)
}

func (s *Static) ExecutionChecker() constraint.Checker[*model.Execution] {
	if s.Execution == nil {
		return constraint.None[*model.Execution]()
	}
	return s.Execution
}
