package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// ExecuteRun drives a run by invoking its workflow body from the top.
// Completed steps short-circuit from the ledger, so re-entry after a
// crash, a timer, or a redundant task resumes at the first incomplete
// step without repeating side effects. The body's continuation point is
// recovered purely through this replay; no call-stack state is saved.
func (e *engineImpl) ExecuteRun(ctx context.Context, runID string) (*api.Run, error) {
	unlock := e.lockRun(runID)
	defer unlock()

	var run *api.Run
	err := e.withStoreRetry(ctx, "get run", func() error {
		var getErr error
		run, getErr = e.p.Runs.GetRun(ctx, runID)
		return getErr
	})
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, runID)
		}
		return nil, err
	}

	// Terminal runs are immutable; a redundant task is a no-op.
	if run.Status.Terminal() {
		return run, nil
	}

	if e.isCancelled(run.ID) {
		return e.terminate(ctx, run, "", api.ErrRunCancelled)
	}

	def, ok := e.registry.ByID(run.WorkflowID)
	if !ok {
		return e.terminate(ctx, run, "", fmt.Errorf("workflow %q is not registered", run.WorkflowID))
	}

	fresh := run.Status == api.StatusPending
	run.Status = api.StatusRunning
	if err := e.withStoreRetry(ctx, "update run", func() error {
		return e.p.Runs.UpdateRun(ctx, run)
	}); err != nil {
		return nil, err
	}
	if fresh {
		e.appendHistory(ctx, run.ID, api.HistoryRunStarted, "", "")
		e.observer.OnRunStart(ctx, run)
	} else {
		e.appendHistory(ctx, run.ID, api.HistoryRunResumed, "", "")
		e.observer.OnRunResumed(ctx, run)
	}

	rc := &runContext{
		eng:        e,
		ctx:        ctx,
		run:        run,
		def:        def,
		seenSteps:  make(map[string]struct{}),
		seenTimers: make(map[string]struct{}),
	}

	output, bodyErr := def.Body(rc)

	if bodyErr != nil {
		if timerID, ok := api.IsSleepPendingError(bodyErr); ok {
			run.Status = api.StatusSleeping
			if err := e.withStoreRetry(ctx, "update run", func() error {
				return e.p.Runs.UpdateRun(ctx, run)
			}); err != nil {
				return nil, err
			}
			e.appendHistory(ctx, run.ID, api.HistoryRunSleeping, timerID, "")
			e.observer.OnRunSleeping(ctx, run, timerID)
			return run, nil
		}

		var stepErr *api.StepError
		attributed := errors.As(bodyErr, &stepErr)

		// A cancelled driving context is a shutdown, not a run failure:
		// put the run back to PENDING so crash recovery can re-enter it.
		// A step that terminally failed with a cancellation-flavored error
		// stays a step failure; explicit CancelRun is handled separately.
		if !attributed &&
			(errors.Is(bodyErr, context.Canceled) || errors.Is(bodyErr, context.DeadlineExceeded)) &&
			!errors.Is(bodyErr, api.ErrRunCancelled) {
			run.Status = api.StatusPending
			_ = e.p.Runs.UpdateRun(ctx, run)
			return run, bodyErr
		}

		failedStep := ""
		if attributed {
			failedStep = stepErr.StepID
		}
		return e.terminate(ctx, run, failedStep, bodyErr)
	}

	// Cancellation that raced the final step still wins over completion.
	if e.isCancelled(run.ID) {
		return e.terminate(ctx, run, "", api.ErrRunCancelled)
	}

	run.Status = api.StatusCompleted
	run.Output = output
	run.CompletedAt = e.clock.Now()
	if err := e.withStoreRetry(ctx, "update run", func() error {
		return e.p.Runs.UpdateRun(ctx, run)
	}); err != nil {
		return nil, err
	}
	e.appendHistory(ctx, run.ID, api.HistoryRunCompleted, "", "")
	e.observer.OnRunCompleted(ctx, run)
	e.clearRunState(run.ID)

	return run, nil
}

// terminate moves a run to FAILED with the given cause and returns
// (run, cause). The cause is also observable via GetRun afterwards.
func (e *engineImpl) terminate(ctx context.Context, run *api.Run, failedStep string, cause error) (*api.Run, error) {
	run.Status = api.StatusFailed
	run.Err = cause
	run.FailedStep = failedStep
	run.CompletedAt = e.clock.Now()

	if err := e.withStoreRetry(ctx, "update run", func() error {
		return e.p.Runs.UpdateRun(ctx, run)
	}); err != nil {
		return nil, err
	}

	typ := api.HistoryRunFailed
	if errors.Is(cause, api.ErrRunCancelled) {
		typ = api.HistoryRunCancelled
	}
	e.appendHistory(ctx, run.ID, typ, failedStep, cause.Error())
	e.observer.OnRunFailed(ctx, run, cause)
	e.clearRunState(run.ID)

	return run, cause
}

// runContext implements api.RunContext for one execution pass of a run.
// It is not safe for concurrent use; a body runs single-threaded within
// its run.
type runContext struct {
	eng *engineImpl
	ctx context.Context
	run *api.Run
	def api.WorkflowDefinition

	// seenSteps / seenTimers detect reuse of an ID within one pass,
	// which would make replay ambiguous.
	seenSteps  map[string]struct{}
	seenTimers map[string]struct{}
}

var _ api.RunContext = (*runContext)(nil)

func (rc *runContext) Context() context.Context { return rc.ctx }

func (rc *runContext) Event() api.Event { return rc.run.Event }

func (rc *runContext) RunID() string { return rc.run.ID }

func (rc *runContext) Step(stepID string, fn api.StepFunc) (any, error) {
	retry := rc.eng.defaultRetry
	if rc.def.Retry != nil {
		retry = *rc.def.Retry
	}
	return rc.StepWithRetry(stepID, fn, retry)
}

func (rc *runContext) StepWithRetry(stepID string, fn api.StepFunc, retry api.RetryPolicy) (any, error) {
	if stepID == "" {
		return nil, errors.New("step id must not be empty")
	}
	if _, dup := rc.seenSteps[stepID]; dup {
		return nil, &api.StepError{StepID: stepID, Err: api.ErrDuplicateStepID}
	}
	rc.seenSteps[stepID] = struct{}{}

	if rc.eng.isCancelled(rc.run.ID) {
		return nil, api.ErrRunCancelled
	}

	// Replay path: a terminal record wins unconditionally and fn is not
	// invoked.
	rec, err := rc.lookupStep(stepID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rc.eng.observer.OnStepReplayed(rc.ctx, rc.run, stepID)
		return stepOutcome(rec)
	}

	maxAttempts := 1
	if retry.MaxAttempts > 0 {
		maxAttempts = retry.MaxAttempts
	}
	backoff := retry.InitialBackoff
	multiplier := retry.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-rc.ctx.Done():
			return nil, rc.ctx.Err()
		default:
		}
		if rc.eng.isCancelled(rc.run.ID) {
			return nil, api.ErrRunCancelled
		}

		start := time.Now()
		rc.eng.observer.OnStepStart(rc.ctx, rc.run, stepID, attempt)
		out, err := fn(rc.ctx)
		rc.eng.observer.OnStepCompleted(rc.ctx, rc.run, stepID, err, time.Since(start))

		if err == nil {
			return rc.recordStep(&api.StepRecord{
				RunID:      rc.run.ID,
				StepID:     stepID,
				Status:     api.StepCompleted,
				Result:     out,
				Attempts:   attempt,
				RecordedAt: rc.eng.clock.Now(),
			})
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		// Wait before the next attempt, if backoff is configured.
		if backoff > 0 {
			delay := backoff
			if retry.MaxBackoff > 0 && delay > retry.MaxBackoff {
				delay = retry.MaxBackoff
			}
			select {
			case <-rc.ctx.Done():
				return nil, rc.ctx.Err()
			case <-time.After(delay):
			}
			next := time.Duration(float64(backoff) * multiplier)
			if retry.MaxBackoff > 0 && next > retry.MaxBackoff {
				backoff = retry.MaxBackoff
			} else {
				backoff = next
			}
		}
	}

	// Retry budget exhausted: record the failure terminally so replays
	// observe the same outcome without re-running the step.
	return rc.recordStep(&api.StepRecord{
		RunID:      rc.run.ID,
		StepID:     stepID,
		Status:     api.StepFailed,
		ErrMsg:     lastErr.Error(),
		Attempts:   maxAttempts,
		RecordedAt: rc.eng.clock.Now(),
	})
}

func (rc *runContext) Sleep(timerID string, d time.Duration) error {
	if timerID == "" {
		return errors.New("timer id must not be empty")
	}
	if _, dup := rc.seenTimers[timerID]; dup {
		return fmt.Errorf("timer %q: %w", timerID, api.ErrDuplicateStepID)
	}
	rc.seenTimers[timerID] = struct{}{}

	if d <= 0 {
		return nil
	}

	var existing *api.Timer
	err := rc.eng.withStoreRetry(rc.ctx, "get timer", func() error {
		t, getErr := rc.eng.p.Timers.GetTimer(rc.ctx, rc.run.ID, timerID)
		if getErr != nil {
			if errors.Is(getErr, persistence.ErrTimerNotFound) {
				existing = nil
				return nil
			}
			return getErr
		}
		existing = t
		return nil
	})
	if err != nil {
		return err
	}

	if existing != nil {
		// Replay path, mirroring step memoization: a fired timer means the
		// wait already happened; an unfired one means we are still due to
		// sleep and must suspend again.
		if existing.Fired {
			return nil
		}
		return api.NewSleepPendingError(timerID, existing.DueAt)
	}

	now := rc.eng.clock.Now()
	timer := &api.Timer{
		RunID:     rc.run.ID,
		TimerID:   timerID,
		DueAt:     now.Add(d),
		CreatedAt: now,
	}
	if err := rc.eng.withStoreRetry(rc.ctx, "put timer", func() error {
		_, putErr := rc.eng.p.Timers.PutTimer(rc.ctx, timer)
		return putErr
	}); err != nil {
		return err
	}

	return api.NewSleepPendingError(timerID, timer.DueAt)
}

func (rc *runContext) lookupStep(stepID string) (*api.StepRecord, error) {
	var rec *api.StepRecord
	err := rc.eng.withStoreRetry(rc.ctx, "get step", func() error {
		r, getErr := rc.eng.p.Steps.GetStep(rc.ctx, rc.run.ID, stepID)
		if getErr != nil {
			if errors.Is(getErr, persistence.ErrStepNotFound) {
				rec = nil
				return nil
			}
			return getErr
		}
		rec = r
		return nil
	})
	return rec, err
}

// recordStep persists rec with a conditional write. If a record already
// exists for the (run, step ID), for example after a crash between an
// earlier pass's write and its run update, the stored record wins and
// its outcome is returned verbatim.
func (rc *runContext) recordStep(rec *api.StepRecord) (any, error) {
	var created bool
	if err := rc.eng.withStoreRetry(rc.ctx, "put step", func() error {
		var putErr error
		created, putErr = rc.eng.p.Steps.PutStep(rc.ctx, rec)
		return putErr
	}); err != nil {
		return nil, err
	}

	if !created {
		stored, err := rc.lookupStep(rec.StepID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			return stepOutcome(stored)
		}
		// Store reported a conflict but has no record; treat as written.
	}

	typ := api.HistoryStepCompleted
	if rec.Status == api.StepFailed {
		typ = api.HistoryStepFailed
	}
	rc.eng.appendHistory(rc.ctx, rc.run.ID, typ, rec.StepID, rec.ErrMsg)

	return stepOutcome(rec)
}

// stepOutcome converts a terminal step record to the (result, error) pair
// a Step call observes. Failed records replay as the same StepError.
func stepOutcome(rec *api.StepRecord) (any, error) {
	if rec.Status == api.StepCompleted {
		return rec.Result, nil
	}
	return nil, &api.StepError{
		StepID:   rec.StepID,
		Attempts: rec.Attempts,
		Err:      errors.New(rec.ErrMsg),
	}
}
