package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jpelkonen/stepwise/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound is returned when no step record exists for a
	// (run, step ID) pair.
	ErrStepNotFound = errors.New("step record not found")

	// ErrTimerNotFound is returned when no timer exists for a
	// (run, timer ID) pair.
	ErrTimerNotFound = errors.New("timer not found")
)

// RunStore handles storage of workflow runs.
type RunStore interface {
	// SaveRun inserts a new run.
	SaveRun(ctx context.Context, run *api.Run) error

	// UpdateRun overwrites an existing run. Returns ErrRunNotFound if the
	// run was never saved.
	UpdateRun(ctx context.Context, run *api.Run) error

	GetRun(ctx context.Context, id string) (*api.Run, error)

	ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error)
}

// RunFilter is used to select runs from the store.
// Empty string / zero status mean "no filter" for that field.
type RunFilter struct {
	WorkflowID string
	EventID    string
	Status     api.Status
}

// StepStore holds the per-run step ledger. PutStep is create-if-absent:
// the first terminal record for a (run, step ID) wins and is never
// overwritten. That conditional write is the only atomic primitive the
// engine's replay safety rests on.
type StepStore interface {
	// PutStep stores rec unless a record already exists for its
	// (RunID, StepID). It reports whether the record was created.
	PutStep(ctx context.Context, rec *api.StepRecord) (created bool, err error)

	// GetStep returns the record for (runID, stepID), or ErrStepNotFound.
	GetStep(ctx context.Context, runID, stepID string) (*api.StepRecord, error)

	// ListSteps returns all records of a run, ordered by recording time.
	ListSteps(ctx context.Context, runID string) ([]*api.StepRecord, error)
}

// TimerStore holds durable wake-ups for sleeping runs.
type TimerStore interface {
	// PutTimer stores t unless a timer already exists for its
	// (RunID, TimerID). It reports whether the timer was created.
	PutTimer(ctx context.Context, t *api.Timer) (created bool, err error)

	// GetTimer returns the timer for (runID, timerID), or ErrTimerNotFound.
	GetTimer(ctx context.Context, runID, timerID string) (*api.Timer, error)

	// ListTimers returns all timers of a run, fired or not. Crash
	// recovery uses this to spot sleeping runs whose timer fired but
	// whose resume task never made it onto the queue.
	ListTimers(ctx context.Context, runID string) ([]*api.Timer, error)

	// MarkFired flips an unfired timer to fired. It reports whether this
	// call performed the flip; false means the timer was already fired
	// (or does not exist), so concurrent sweepers resume a run once.
	MarkFired(ctx context.Context, runID, timerID string) (fired bool, err error)

	// Due returns all unfired timers with DueAt <= now, soonest first.
	Due(ctx context.Context, now time.Time) ([]*api.Timer, error)
}

// DispatchStore deduplicates event delivery. One record exists per
// (event ID, workflow ID); redelivered events map back to the run
// created by the first delivery.
type DispatchStore interface {
	// PutDispatch records that runID was created for (eventID,
	// workflowID), unless a record already exists. When created is
	// false, existingRunID carries the run ID of the earlier dispatch.
	PutDispatch(ctx context.Context, eventID, workflowID, runID string) (existingRunID string, created bool, err error)
}

// HistoryStore is an append-only store for run lifecycle history.
type HistoryStore interface {
	Append(ctx context.Context, entry api.HistoryEntry) error
	List(ctx context.Context, runID string) ([]api.HistoryEntry, error)
}

// NoopHistoryStore discards all history entries.
type NoopHistoryStore struct{}

func (NoopHistoryStore) Append(ctx context.Context, entry api.HistoryEntry) error { return nil }
func (NoopHistoryStore) List(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	return nil, nil
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Runs       RunStore
	Steps      StepStore
	Timers     TimerStore
	Dispatches DispatchStore
	History    HistoryStore
}
