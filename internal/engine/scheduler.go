package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/internal/taskqueue"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// Dispatch fans ev out to every workflow subscribed to ev.Name. Each
// match gets an independent run with its own replay and retry lifecycle;
// runs execute concurrently and unordered, and one run's failure never
// affects its siblings.
//
// Delivery is idempotent per event ID: a conditional dispatch record per
// (event ID, workflow ID) absorbs at-least-once redelivery upstream, so a
// repeat returns the run IDs created by the first delivery.
func (e *engineImpl) Dispatch(ctx context.Context, ev api.Event) ([]string, error) {
	if ev.ID == "" {
		return nil, errors.New("event id is required")
	}
	if ev.Name == "" {
		return nil, errors.New("event name is required")
	}

	// First dispatch freezes the registry; the event->workflow mapping is
	// immutable while events flow.
	e.registry.Freeze()

	defs := e.registry.ByEvent(ev.Name)
	runIDs := make([]string, 0, len(defs))

	for _, def := range defs {
		runID := uuid.NewString()

		var existing string
		var created bool
		if err := e.withStoreRetry(ctx, "put dispatch", func() error {
			var putErr error
			existing, created, putErr = e.p.Dispatches.PutDispatch(ctx, ev.ID, def.ID, runID)
			return putErr
		}); err != nil {
			return runIDs, err
		}
		if !created {
			// Redelivered event. The dispatch record and the run are
			// two writes; a failure between them strands the record
			// with no run behind it. Redelivery repairs that: if the
			// recorded run is missing, create and enqueue it now.
			_, err := e.p.Runs.GetRun(ctx, existing)
			if errors.Is(err, persistence.ErrRunNotFound) {
				if err := e.startRun(ctx, existing, def.ID, ev); err != nil {
					return runIDs, err
				}
			} else if err != nil {
				return runIDs, &api.InfrastructureError{Op: "get run", Err: err}
			}
			runIDs = append(runIDs, existing)
			continue
		}

		if err := e.startRun(ctx, runID, def.ID, ev); err != nil {
			return runIDs, err
		}
		runIDs = append(runIDs, runID)
	}

	return runIDs, nil
}

// startRun persists a fresh PENDING run for a dispatched event and puts
// its execute task on the queue.
func (e *engineImpl) startRun(ctx context.Context, runID, workflowID string, ev api.Event) error {
	run := &api.Run{
		ID:         runID,
		WorkflowID: workflowID,
		Event:      ev,
		Status:     api.StatusPending,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.withStoreRetry(ctx, "save run", func() error {
		return e.p.Runs.SaveRun(ctx, run)
	}); err != nil {
		return err
	}
	e.appendHistory(ctx, runID, api.HistoryRunEnqueued, "", ev.Name)

	return e.enqueueExecute(ctx, runID)
}

// SweepTimers performs one sweep pass over due timers. Marking a timer
// fired is conditional, so concurrent sweepers enqueue each resumption
// exactly once. Firing is "at least as late as DueAt": a late sweep is
// tolerated, an early fire is impossible.
func (e *engineImpl) SweepTimers(ctx context.Context) (int, error) {
	due, err := e.p.Timers.Due(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, t := range due {
		ok, err := e.p.Timers.MarkFired(ctx, t.RunID, t.TimerID)
		if err != nil {
			return fired, err
		}
		if !ok {
			// Another sweeper got there first.
			continue
		}

		e.appendHistory(ctx, t.RunID, api.HistoryTimerFired, t.TimerID, "")
		if err := e.queue.Enqueue(ctx, taskqueue.Task{
			Type:       taskqueue.TaskTypeExecuteRun,
			RunID:      t.RunID,
			EnqueuedAt: time.Now(),
		}); err != nil {
			return fired, err
		}
		fired++
	}

	return fired, nil
}

// RecoverStuckRuns re-enqueues runs left PENDING or RUNNING, for example
// after a process crash. Replay makes this safe: completed steps
// short-circuit from the ledger on re-entry. Sleeping runs with an
// unfired timer are left alone, the sweep resumes them. A sleeping run
// whose timers have ALL fired lost its resume task to a crash between
// MarkFired and Enqueue, so it is re-enqueued here as well.
//
// Call this on startup before workers begin, so no run is legitimately
// running when it executes. It returns the number of runs re-enqueued.
func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (int, error) {
	recovered := 0

	for _, status := range []api.Status{api.StatusPending, api.StatusRunning} {
		runs, err := e.ListRuns(ctx, api.RunListOptions{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, run := range runs {
			if err := e.enqueueExecute(ctx, run.ID); err != nil {
				return recovered, err
			}
			recovered++
		}
	}

	sleeping, err := e.ListRuns(ctx, api.RunListOptions{Status: api.StatusSleeping})
	if err != nil {
		return recovered, err
	}
	for _, run := range sleeping {
		timers, err := e.p.Timers.ListTimers(ctx, run.ID)
		if err != nil {
			return recovered, err
		}
		pending := false
		for _, t := range timers {
			if !t.Fired {
				pending = true
				break
			}
		}
		if pending {
			continue
		}
		if err := e.enqueueExecute(ctx, run.ID); err != nil {
			return recovered, err
		}
		recovered++
	}

	return recovered, nil
}

func (e *engineImpl) enqueueExecute(ctx context.Context, runID string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeExecuteRun,
		RunID:      runID,
		EnqueuedAt: time.Now(),
	})
}

// CancelRun marks a non-terminal run FAILED with a cancelled reason.
// An executor mid-pass observes the flag at the next step boundary and
// stops; steps already recorded stay recorded. Cancelling a terminal run
// is a no-op returning the run unchanged.
func (e *engineImpl) CancelRun(ctx context.Context, id string) (*api.Run, error) {
	e.cancelled.Store(id, struct{}{})

	unlock := e.lockRun(id)
	defer unlock()

	run, err := e.GetRun(ctx, id)
	if err != nil {
		e.cancelled.Delete(id)
		return nil, err
	}
	if run.Status.Terminal() {
		e.cancelled.Delete(id)
		return run, nil
	}

	// terminate reports the cancellation cause as its error; for CancelRun
	// that is the requested outcome, not a failure.
	terminated, err := e.terminate(ctx, run, "", api.ErrRunCancelled)
	if terminated == nil {
		return nil, err
	}
	return terminated, nil
}
