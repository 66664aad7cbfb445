package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunCancelled is the failure reason of a run terminated by CancelRun.
var ErrRunCancelled = errors.New("run cancelled")

// ErrRunNotFound is returned by run lookups for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrDuplicateStepID is returned (wrapped in a *StepError) when a body
// uses the same step ID twice within one execution pass. Step IDs must be
// unique within a run; reuse would make replay ambiguous.
var ErrDuplicateStepID = errors.New("step id used twice in one run")

// StepError is a step failure after its retry budget is exhausted. It is
// attributed to the step and terminal for the enclosing run.
type StepError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.StepID, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RegistrationError reports an invalid workflow registration, for example
// a duplicate workflow ID. It is detected at startup, not at dispatch.
type RegistrationError struct {
	WorkflowID string
	Reason     string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("cannot register workflow %q: %s", e.WorkflowID, e.Reason)
}

// InfrastructureError marks a run failure caused by the durable store
// rather than by workflow code. The executor retries store operations
// with backoff before giving up with this error.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// sleepPendingError is the control-flow error RunContext.Sleep returns
// when a run must suspend. Bodies propagate it unchanged; the executor
// intercepts it and parks the run as SLEEPING instead of failing it.
type sleepPendingError struct {
	TimerID string
	DueAt   time.Time
}

func (e *sleepPendingError) Error() string {
	return fmt.Sprintf("sleeping until %s (timer %q)", e.DueAt.Format(time.RFC3339), e.TimerID)
}

// NewSleepPendingError is primarily intended for the engine's RunContext
// implementation, but custom wrappers can use it to integrate with the
// engine's suspension semantics.
func NewSleepPendingError(timerID string, dueAt time.Time) error {
	return &sleepPendingError{TimerID: timerID, DueAt: dueAt}
}

// IsSleepPendingError returns (timerID, true) if err indicates that the
// run wants to suspend on a timer.
func IsSleepPendingError(err error) (string, bool) {
	var s *sleepPendingError
	if errors.As(err, &s) {
		return s.TimerID, true
	}
	return "", false
}
