package engine

import (
	"context"

	"github.com/seantiz/crucible/internal/model"
)

// Reporter is the path engines use to report steps back into the core.
// Steps for an execution must be reported in the order they happened.
// Reporting a step after a terminal one is harmless.
type Reporter interface {
	AppendStep(ctx context.Context, executionID string, step model.Step) (*model.Execution, error)
}

// Engine runs executions.
type Engine interface {
	// Name is the name processes use to route executions to this engine.
	Name() string

	// Run starts work on exec. It may block until the work is done or return
	// as soon as the work is queued; either way the engine reports the steps
	// through r. An error means the engine could not take the execution and
	// is recorded as a FAILURE step. ctx is cancelled once Run returns or
	// the execution reaches a terminal status, so queued work must not
	// depend on it.
	Run(ctx context.Context, exec model.Execution, r Reporter) error
}

// Canceller is implemented by engines that can stop work they have started.
// It is called once an execution has been cancelled or timed out.
type Canceller interface {
	Cancel(ctx context.Context, executionID string) error
}
