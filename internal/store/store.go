package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write keeps losing to
	// concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrBatchAlreadyExecuted is returned by CreateExecutionExclusive when the
	// batch already has a live or finished execution.
	ErrBatchAlreadyExecuted = errors.New("batch already has an execution")
)

// ExecutionFilter selects executions for ListExecutions. Empty fields match
// everything.
type ExecutionFilter struct {
	Tenant   string
	Statuses []model.ExecutionStatus
	Limit    int
	Offset   int
}

// Store defines the persistence operations for batches, executions and
// output files.
type Store interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)

	CreateExecution(ctx context.Context, e *model.Execution) error
	// CreateExecutionExclusive inserts e only if its batch has no execution
	// other than cancelled ones.
	CreateExecutionExclusive(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error)
	ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error)
	// AppendStep folds step into the stored history atomically. It returns
	// the resulting execution and whether the step was kept.
	AppendStep(ctx context.Context, id string, step model.Step) (*model.Execution, bool, error)
	// AppendStepIf is AppendStep that only folds the step when cond holds for
	// the stored execution. A false cond drops the step.
	AppendStepIf(ctx context.Context, id string, step model.Step, cond func(*model.Execution) bool) (*model.Execution, bool, error)
	IncrementRetry(ctx context.Context, id string) (*model.Execution, error)

	GetOutputFile(ctx context.Context, id string) (*model.OutputFile, error)
	ListOutputFiles(ctx context.Context, executionID string) ([]*model.OutputFile, error)
	// MarkDownloaded flags the file as downloaded. The first download time
	// is kept on repeated calls.
	MarkDownloaded(ctx context.Context, id string, at time.Time) (*model.OutputFile, error)
	ListDownloadedBefore(ctx context.Context, before time.Time) ([]*model.OutputFile, error)
	DeleteOutputFile(ctx context.Context, id string) error

	Close() error
}
