package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a step's status may not follow
	// the execution's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMissingMessage is returned when a terminal step other than SUCCESS
	// has no message.
	ErrMissingMessage = errors.New("terminal step requires a message")

	// ErrUnexpectedOutputs is returned when output files are attached to a
	// step whose status is not SUCCESS.
	ErrUnexpectedOutputs = errors.New("only a SUCCESS step may carry output files")
)

// InputFile describes one file handed to an execution.
type InputFile struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	SizeBytes int64    `json:"size_bytes"`
	Checksum  Checksum `json:"checksum"`
	Parameter string   `json:"parameter,omitempty"`
}

// Execution is one concrete run of a batch's process. Its history is only
// ever extended by AddStep.
type Execution struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id"`
	BatchID       string        `json:"batch_id"`
	Timeout       time.Duration `json:"timeout"`
	InputFiles    []InputFile   `json:"input_files"`
	Steps         []Step        `json:"steps"`
	Tenant        string        `json:"tenant"`
	User          string        `json:"user"`
	ProcessName   string        `json:"process_name"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	RetryCount    int           `json:"retry_count"`
	Version       int           `json:"-"`

	// Persisted is true when the history has been committed since the last
	// appended step.
	Persisted bool `json:"-"`
}

// CurrentStatus returns the status of the last step, or the empty status if
// the history is empty.
func (e *Execution) CurrentStatus() ExecutionStatus {
	if len(e.Steps) == 0 {
		return ""
	}
	return e.Steps[len(e.Steps)-1].Status
}

// LastStep returns the last step of the history.
func (e *Execution) LastStep() (Step, bool) {
	if len(e.Steps) == 0 {
		return Step{}, false
	}
	return e.Steps[len(e.Steps)-1], true
}

// IsTerminal reports whether the execution has reached a terminal status.
func (e *Execution) IsTerminal() bool {
	return e.CurrentStatus().IsTerminal()
}

// InputSize returns the total size of the input files in bytes.
func (e *Execution) InputSize() int64 {
	var total int64
	for _, f := range e.InputFiles {
		total += f.SizeBytes
	}
	return total
}

// AddStep appends step to the history. Once the execution is terminal the
// step is dropped and AddStep returns false with no error, so that duplicate
// deliveries are harmless. A step earlier than the previous one is moved up
// to the previous step's time to keep the history ordered.
func (e *Execution) AddStep(step Step) (bool, error) {
	if !step.Status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, step.Status)
	}

	last, ok := e.LastStep()
	if ok && last.Status.IsTerminal() {
		return false, nil
	}

	if !ok {
		if step.Status != StatusRegistered {
			return false, fmt.Errorf("%w: first step must be %s, got %s",
				ErrInvalidTransition, StatusRegistered, step.Status)
		}
	} else if !ValidTransition(last.Status, step.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, last.Status, step.Status)
	}

	if step.Status.IsTerminal() && step.Status != StatusSuccess && step.Message == "" {
		return false, ErrMissingMessage
	}
	if step.Status != StatusSuccess && (len(step.OutputFiles) > 0 || len(step.OutputFileIDs) > 0) {
		return false, ErrUnexpectedOutputs
	}

	if step.Time.IsZero() {
		step.Time = time.Now()
	}
	step.Time = step.Time.UTC()
	if ok && step.Time.Before(last.Time) {
		step.Time = last.Time
	}

	e.Steps = append(e.Steps, step)
	e.UpdatedAt = step.Time
	e.Persisted = false
	return true, nil
}

// Deadline returns the instant after which the execution counts as timed out.
func (e *Execution) Deadline() time.Time {
	return e.UpdatedAt.Add(e.Timeout)
}

// TimedOut reports whether the execution has gone without an update for
// longer than its timeout at now. An execution updated exactly one timeout
// before now has not timed out yet.
func (e *Execution) TimedOut(now time.Time) bool {
	if e.IsTerminal() {
		return false
	}
	return e.Deadline().Before(now)
}
