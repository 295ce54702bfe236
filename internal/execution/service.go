package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/outputfile"
	"github.com/seantiz/crucible/internal/process"
	"github.com/seantiz/crucible/internal/store"
)

// DefaultMinTimeout is the shortest timeout given to an execution when the
// duration forecast predicts less.
const DefaultMinTimeout = 5 * time.Minute

var (
	// ErrExecutionNotFound is returned when an execution does not exist for
	// the tenant.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrBatchNotFound is returned when launching from an unknown batch.
	ErrBatchNotFound = errors.New("batch not found")
)

// LaunchRequest asks for a new execution of a batch.
type LaunchRequest struct {
	BatchID       string            `json:"batch_id"`
	CorrelationID string            `json:"correlation_id"`
	InputFiles    []model.InputFile `json:"input_files"`
}

// Service owns the execution state machine.
type Service struct {
	store      store.Store
	processes  *process.Registry
	engines    *engine.Registry
	outputs    *outputfile.Service
	broker     *StepBroker
	minTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run

	scanMu sync.Mutex
}

var _ engine.Reporter = (*Service)(nil)

// NewService creates an execution service. A minTimeout of zero uses
// DefaultMinTimeout.
func NewService(s store.Store, processes *process.Registry, engines *engine.Registry, outputs *outputfile.Service, minTimeout time.Duration, logger *slog.Logger) *Service {
	if minTimeout <= 0 {
		minTimeout = DefaultMinTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      s,
		processes:  processes,
		engines:    engines,
		outputs:    outputs,
		broker:     NewStepBroker(),
		minTimeout: minTimeout,
		logger:     logger.With("component", "execution"),
		now:        time.Now,
		runCtx:     ctx,
		stopRun:    cancel,
		running:    make(map[string]*run),
	}
}

// Broker returns the step broker for stream subscriptions.
func (s *Service) Broker() *StepBroker {
	return s.broker
}

// Wait blocks until all in-flight engine runs return.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels in-flight engine runs and waits for them to return.
func (s *Service) Shutdown() {
	s.stopRun()
	s.wg.Wait()
}

// LaunchExecution creates an execution of a batch owned by p's tenant,
// records its REGISTERED step and dispatches it to the process's engine.
// The engine is resolved before anything is stored, so an unknown engine
// leaves no execution behind.
func (s *Service) LaunchExecution(ctx context.Context, p model.Principal, req LaunchRequest) (*model.Execution, error) {
	b, err := s.store.GetBatch(ctx, req.BatchID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && b.Tenant != p.Tenant) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, req.BatchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	def, err := s.processes.Find(b.Tenant, b.ProcessName)
	if err != nil {
		return nil, err
	}
	eng, err := s.engines.FindByName(def.EngineName())
	if err != nil {
		return nil, err
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = b.CorrelationID
	}
	now := s.now().UTC()
	exec := &model.Execution{
		ID:            model.NewID(),
		CorrelationID: correlationID,
		BatchID:       b.ID,
		InputFiles:    req.InputFiles,
		Tenant:        b.Tenant,
		User:          p.User,
		ProcessName:   def.Name(),
		CreatedAt:     now,
	}
	if exec.InputFiles == nil {
		exec.InputFiles = []model.InputFile{}
	}
	if err := constraint.Validate(def.ExecutionChecker(), exec); err != nil {
		return nil, err
	}
	exec.Timeout = s.timeoutFor(def, exec.InputSize())

	if _, err := exec.AddStep(model.Step{Status: model.StatusRegistered, Time: now, Message: "registered"}); err != nil {
		return nil, err
	}

	if def.AllowsMultipleExecutions() {
		err = s.store.CreateExecution(ctx, exec)
	} else {
		err = s.store.CreateExecutionExclusive(ctx, exec)
	}
	if err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	launchesTotal.WithLabelValues(def.Name()).Inc()
	stepsTotal.WithLabelValues(string(model.StatusRegistered)).Inc()
	s.logger.Info("execution registered",
		"execution_id", exec.ID,
		"batch_id", exec.BatchID,
		"correlation_id", exec.CorrelationID,
		"process", exec.ProcessName,
		"engine", eng.Name(),
		"timeout", exec.Timeout,
	)

	s.dispatch(*exec, eng)
	return exec, nil
}

// RunExecutable re-dispatches an execution that is still REGISTERED, for
// instance after a restart lost the original dispatch. Executions the
// engine already reported on, or that are terminal, are returned unchanged.
func (s *Service) RunExecutable(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if exec.CurrentStatus() != model.StatusRegistered || s.isRunning(id) {
		s.logger.Debug("run request ignored", "execution_id", id, "status", exec.CurrentStatus())
		return exec, nil
	}

	def, err := s.processes.Find(exec.Tenant, exec.ProcessName)
	if err != nil {
		return nil, err
	}
	eng, err := s.engines.FindByName(def.EngineName())
	if err != nil {
		return nil, err
	}

	exec, err = s.store.IncrementRetry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("increment retry: %w", err)
	}
	s.logger.Info("execution re-dispatched", "execution_id", id, "retry_count", exec.RetryCount, "engine", eng.Name())

	s.dispatch(*exec, eng)
	return exec, nil
}

// AppendStep folds a step reported for an execution into its history. Steps
// arriving after a terminal step are dropped without error. Output files of
// a SUCCESS step that fail validation turn the step into a FAILURE.
func (s *Service) AppendStep(ctx context.Context, id string, step model.Step) (*model.Execution, error) {
	exec, _, err := s.appendStep(ctx, id, step, nil)
	return exec, err
}

// Cancel terminates an execution of tenant with a CANCELLED step.
func (s *Service) Cancel(ctx context.Context, tenant, id, reason string) (*model.Execution, error) {
	if _, err := s.GetExecution(ctx, tenant, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	exec, _, err := s.appendStep(ctx, id, model.Step{Status: model.StatusCancelled, Message: reason}, nil)
	return exec, err
}

// ScheduledTimeoutNotify appends a TIMED_OUT step to every non-terminal
// execution whose last update is more than its timeout ago. Overlapping
// scans in one process are skipped; duplicate TIMED_OUT steps from other
// processes are dropped by the store. It returns the number of executions
// timed out by this scan.
func (s *Service) ScheduledTimeoutNotify(ctx context.Context) (int, error) {
	if !s.scanMu.TryLock() {
		s.logger.Debug("timeout scan already running")
		return 0, nil
	}
	defer s.scanMu.Unlock()

	execs, err := s.store.ListExecutionsByStatus(ctx, model.NonTerminalStatuses...)
	if err != nil {
		return 0, fmt.Errorf("list live executions: %w", err)
	}

	now := s.now()
	timedOut := 0
	for _, e := range execs {
		if err := ctx.Err(); err != nil {
			return timedOut, err
		}
		if !e.TimedOut(now) {
			continue
		}

		step := model.Step{
			Status:  model.StatusTimedOut,
			Time:    now,
			Message: fmt.Sprintf("no step reported for %s (timeout %s)", now.Sub(e.UpdatedAt).Round(time.Millisecond), e.Timeout),
		}
		stillTimedOut := func(cur *model.Execution) bool { return cur.TimedOut(now) }

		_, added, err := s.appendStep(ctx, e.ID, step, stillTimedOut)
		if err != nil {
			s.logger.Error("append timeout step", "execution_id", e.ID, "error", err)
			continue
		}
		if added {
			timedOut++
		}
	}
	return timedOut, nil
}

// GetExecution returns the execution with id if it belongs to tenant.
func (s *Service) GetExecution(ctx context.Context, tenant, id string) (*model.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && exec.Tenant != tenant) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns a page of tenant's executions, newest first,
// optionally restricted to the given statuses, and the total match count.
func (s *Service) ListExecutions(ctx context.Context, tenant string, statuses []model.ExecutionStatus, limit, offset int) ([]*model.Execution, int, error) {
	return s.store.ListExecutions(ctx, store.ExecutionFilter{
		Tenant:   tenant,
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Service) appendStep(ctx context.Context, id string, step model.Step, cond func(*model.Execution) bool) (*model.Execution, bool, error) {
	if step.Time.IsZero() {
		step.Time = s.now()
	}
	step.Time = step.Time.UTC()
	step.OutputFileIDs = nil

	if step.Status == model.StatusSuccess && len(step.OutputFiles) > 0 {
		prepared, err := s.outputs.Prepare(id, step.OutputFiles)
		if err != nil {
			s.logger.Warn("rejecting output files", "execution_id", id, "error", err)
			step = model.Step{Status: model.StatusFailure, Time: step.Time, Message: err.Error()}
		} else {
			step.OutputFiles = prepared
		}
	}

	exec, added, err := s.store.AppendStepIf(ctx, id, step, cond)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, false, err
	}

	if !added {
		if exec.IsTerminal() {
			droppedStepsTotal.Inc()
			s.logger.Info("step dropped after terminal status",
				"execution_id", id,
				"status", step.Status,
				"current_status", exec.CurrentStatus(),
			)
		}
		return exec, false, nil
	}

	last, _ := exec.LastStep()
	stepsTotal.WithLabelValues(string(last.Status)).Inc()
	s.broker.Publish(id, last)
	s.logger.Info("step appended", "execution_id", id, "status", last.Status, "message", last.Message)

	if last.Status.IsTerminal() {
		s.broker.Close(id)
		s.finish(exec)
	}
	return exec, true, nil
}

// finish stops the local engine run of a terminal execution and, for
// cancellations and timeouts, asks the engine to stop its work.
func (s *Service) finish(exec *model.Execution) {
	s.mu.Lock()
	r, ok := s.running[exec.ID]
	s.mu.Unlock()
	if ok {
		r.cancel()
	}

	status := exec.CurrentStatus()
	if status == model.StatusTimedOut {
		timeoutsTotal.Inc()
	}
	if status != model.StatusCancelled && status != model.StatusTimedOut {
		return
	}

	def, err := s.processes.Find(exec.Tenant, exec.ProcessName)
	if err != nil {
		return
	}
	eng, err := s.engines.FindByName(def.EngineName())
	if err != nil {
		return
	}
	canceller, ok := eng.(engine.Canceller)
	if !ok {
		return
	}

	id := exec.ID
	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), 30*time.Second)
		defer cancel()
		if err := canceller.Cancel(ctx, id); err != nil {
			s.logger.Warn("engine cancel failed", "execution_id", id, "engine", eng.Name(), "error", err)
		}
	})
}

// dispatch runs the engine in a goroutine on a copy of the execution. A run
// error becomes a FAILURE step; it is never returned to the launcher.
func (s *Service) dispatch(exec model.Execution, eng engine.Engine) {
	ctx, cancel := context.WithCancel(s.runCtx)
	r := &run{cancel: cancel}
	s.mu.Lock()
	s.running[exec.ID] = r
	s.mu.Unlock()

	s.wg.Go(func() {
		defer func() {
			s.mu.Lock()
			// A later dispatch of the same id owns the entry now.
			if s.running[exec.ID] == r {
				delete(s.running, exec.ID)
			}
			s.mu.Unlock()
			cancel()
		}()

		err := eng.Run(ctx, exec, s)
		if err == nil {
			return
		}

		s.logger.Error("engine run failed", "execution_id", exec.ID, "engine", eng.Name(), "error", err)
		msg := fmt.Sprintf("engine %s: %v", eng.Name(), err)
		if _, _, aerr := s.appendStep(context.WithoutCancel(ctx), exec.ID, model.Step{Status: model.StatusFailure, Message: msg}, nil); aerr != nil {
			s.logger.Error("failed to record engine failure", "execution_id", exec.ID, "error", aerr)
		}
	})
}

// run is the handle of one engine dispatch.
type run struct {
	cancel context.CancelFunc
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *Service) timeoutFor(def process.Definition, inputSize int64) time.Duration {
	timeout := s.minTimeout
	if fc := def.Forecasts().Duration; fc != nil {
		if d := fc.ExpectedRunningDuration(inputSize); d > timeout {
			timeout = d
		}
	}
	return timeout
}
