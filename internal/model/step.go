package model

import (
	"fmt"
	"time"
)

// Step is one state-machine event in an execution's history. Steps with a
// terminal status are final; all others are intermediary.
type Step struct {
	Status        ExecutionStatus `json:"status"`
	Time          time.Time       `json:"time"`
	Message       string          `json:"message"`
	OutputFileIDs []string        `json:"output_file_ids,omitempty"`

	// OutputFiles carries the files of a SUCCESS step until they are stored.
	// Only the ids are kept in the persisted history.
	OutputFiles []OutputFile `json:"-"`
}

// NewIntermediaryStep builds a non-terminal step. Passing a terminal status
// is a programming error and panics.
func NewIntermediaryStep(status ExecutionStatus, message string) Step {
	if status.IsTerminal() || !status.Valid() {
		panic(fmt.Sprintf("model: %q is not an intermediary status", status))
	}
	return Step{
		Status:  status,
		Time:    time.Now().UTC(),
		Message: message,
	}
}

// NewFinalStep builds a terminal step. Passing a non-terminal status, or
// output files with a status other than SUCCESS, panics.
func NewFinalStep(status ExecutionStatus, message string, outputs []OutputFile) Step {
	if !status.IsTerminal() {
		panic(fmt.Sprintf("model: %q is not a final status", status))
	}
	if status != StatusSuccess && len(outputs) > 0 {
		panic(fmt.Sprintf("model: %q step cannot carry output files", status))
	}
	return Step{
		Status:      status,
		Time:        time.Now().UTC(),
		Message:     message,
		OutputFiles: outputs,
	}
}

func RegisteredStep(message string) Step { return NewIntermediaryStep(StatusRegistered, message) }
func PrepareStep(message string) Step    { return NewIntermediaryStep(StatusPrepare, message) }
func RunningStep(message string) Step    { return NewIntermediaryStep(StatusRunning, message) }
func CleanupStep(message string) Step    { return NewIntermediaryStep(StatusCleanup, message) }

func SuccessStep(message string, outputs []OutputFile) Step {
	return NewFinalStep(StatusSuccess, message, outputs)
}

func FailureStep(message string) Step   { return NewFinalStep(StatusFailure, message, nil) }
func TimedOutStep(message string) Step  { return NewFinalStep(StatusTimedOut, message, nil) }
func CancelledStep(message string) Step { return NewFinalStep(StatusCancelled, message, nil) }

// IsFinal reports whether the step ends its execution.
func (s Step) IsFinal() bool {
	return s.Status.IsTerminal()
}
