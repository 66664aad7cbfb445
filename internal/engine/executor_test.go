package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// dispatchOne registers def, dispatches an event for its trigger, and
// returns the created run ID.
func dispatchOne(t *testing.T, eng api.Engine, def api.WorkflowDefinition, data any) string {
	t.Helper()

	if err := eng.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	runIDs, err := eng.Dispatch(context.Background(), api.Event{
		ID:         "evt-" + def.ID,
		Name:       def.Trigger,
		Data:       data,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(runIDs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runIDs))
	}
	return runIDs[0]
}

func TestExecuteRun_SequentialStepsComplete(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := api.WorkflowDefinition{
		ID:      "order-pipeline",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			charge, err := rc.Step("charge-card", func(ctx context.Context) (any, error) {
				return map[string]any{"charged": true}, nil
			})
			if err != nil {
				return nil, err
			}
			return rc.Step("ship-order", func(ctx context.Context) (any, error) {
				c := charge.(map[string]any)
				return map[string]any{"charged": c["charged"], "shipped": true}, nil
			})
		},
	}

	runID := dispatchOne(t, eng, def, map[string]any{"orderId": "o-1"})

	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", run.Status)
	}
	out, ok := run.Output.(map[string]any)
	if !ok || out["charged"] != true || out["shipped"] != true {
		t.Fatalf("unexpected output: %#v", run.Output)
	}
}

func TestExecuteRun_StepsRunAtMostOncePerRun(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	var calls atomic.Int64

	def := api.WorkflowDefinition{
		ID:      "effect-once",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			return rc.Step("charge-card", func(ctx context.Context) (any, error) {
				calls.Add(1)
				return "charged", nil
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	if _, err := eng.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	// A terminal run is immutable; redundant tasks are no-ops.
	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("redundant ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", run.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected step to run once, ran %d times", got)
	}
}

func TestExecuteRun_ReplayShortCircuitsRecordedSteps(t *testing.T) {
	ctx := context.Background()

	mem := persistence.NewInMemoryStore()
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs: mem, Steps: mem, Timers: mem, Dispatches: mem, History: mem,
		},
	})

	var earlyCalls, lateCalls atomic.Int64

	def := api.WorkflowDefinition{
		ID:      "resume-pipeline",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			first, err := rc.Step("charge-card", func(ctx context.Context) (any, error) {
				earlyCalls.Add(1)
				return "charge-live", nil
			})
			if err != nil {
				return nil, err
			}
			return rc.Step("ship-order", func(ctx context.Context) (any, error) {
				lateCalls.Add(1)
				return fmt.Sprintf("shipped after %v", first), nil
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	// Simulate a run interrupted after its first step: the ledger has
	// the record, the run is still non-terminal.
	if _, err := mem.PutStep(ctx, &api.StepRecord{
		RunID:      runID,
		StepID:     "charge-card",
		Status:     api.StepCompleted,
		Result:     "charge-recorded",
		Attempts:   1,
		RecordedAt: time.Now(),
	}); err != nil {
		t.Fatalf("PutStep failed: %v", err)
	}

	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", run.Status)
	}
	if earlyCalls.Load() != 0 {
		t.Fatalf("recorded step was re-executed %d times", earlyCalls.Load())
	}
	if lateCalls.Load() != 1 {
		t.Fatalf("expected later step to run once, ran %d times", lateCalls.Load())
	}
	// The replayed value, not the live closure's value, must flow onward.
	if run.Output != "shipped after charge-recorded" {
		t.Fatalf("unexpected output: %#v", run.Output)
	}
}

func TestExecuteRun_StepRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	var attempts atomic.Int64

	def := api.WorkflowDefinition{
		ID:      "flaky",
		Trigger: "order/placed",
		Retry:   &api.RetryPolicy{MaxAttempts: 3},
		Body: func(rc api.RunContext) (any, error) {
			return rc.Step("call-psp", func(ctx context.Context) (any, error) {
				if attempts.Add(1) < 3 {
					return nil, errors.New("psp unavailable")
				}
				return "ok", nil
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted || run.Output != "ok" {
		t.Fatalf("expected completion with ok, got %q %#v", run.Status, run.Output)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestExecuteRun_RetryBudgetExhaustedFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	var attempts atomic.Int64

	def := api.WorkflowDefinition{
		ID:      "doomed",
		Trigger: "order/placed",
		Retry:   &api.RetryPolicy{MaxAttempts: 2},
		Body: func(rc api.RunContext) (any, error) {
			return rc.Step("call-psp", func(ctx context.Context) (any, error) {
				attempts.Add(1)
				return nil, errors.New("psp down")
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	run, err := eng.ExecuteRun(ctx, runID)
	if err == nil {
		t.Fatalf("expected ExecuteRun to surface the step failure")
	}

	var stepErr *api.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *api.StepError, got %T: %v", err, err)
	}
	if stepErr.StepID != "call-psp" || stepErr.Attempts != 2 {
		t.Fatalf("unexpected step error: %+v", stepErr)
	}

	if run.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %q", run.Status)
	}
	if run.FailedStep != "call-psp" {
		t.Fatalf("expected failure attributed to call-psp, got %q", run.FailedStep)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestExecuteRun_FailedStepReplaysWithoutReExecution(t *testing.T) {
	ctx := context.Background()

	mem := persistence.NewInMemoryStore()
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs: mem, Steps: mem, Timers: mem, Dispatches: mem, History: mem,
		},
		DefaultRetry: api.RetryPolicy{MaxAttempts: 1},
	})

	var calls atomic.Int64

	def := api.WorkflowDefinition{
		ID:      "sticky-failure",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			return rc.Step("charge-card", func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, errors.New("declined")
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	if _, err := eng.ExecuteRun(ctx, runID); err == nil {
		t.Fatalf("expected failure")
	}

	// Force the run back to PENDING as a crash-recovery pass would see
	// it, and re-enter. The recorded failure must replay, not re-run.
	run, err := mem.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	run.Status = api.StatusPending
	if err := mem.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	_, err = eng.ExecuteRun(ctx, runID)
	var stepErr *api.StepError
	if !errors.As(err, &stepErr) || stepErr.StepID != "charge-card" {
		t.Fatalf("expected replayed StepError for charge-card, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("failed step re-executed: %d calls", calls.Load())
	}
}

func TestExecuteRun_DuplicateStepIDFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := api.WorkflowDefinition{
		ID:      "ambiguous",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			if _, err := rc.Step("work", func(ctx context.Context) (any, error) {
				return 1, nil
			}); err != nil {
				return nil, err
			}
			return rc.Step("work", func(ctx context.Context) (any, error) {
				return 2, nil
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	run, err := eng.ExecuteRun(ctx, runID)
	if !errors.Is(err, api.ErrDuplicateStepID) {
		t.Fatalf("expected ErrDuplicateStepID, got %v", err)
	}
	if run.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %q", run.Status)
	}
}

func TestExecuteRun_BodyErrorWithoutStepFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := api.WorkflowDefinition{
		ID:      "validator",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			return nil, errors.New("payload rejected")
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	run, err := eng.ExecuteRun(ctx, runID)
	if err == nil || err.Error() != "payload rejected" {
		t.Fatalf("expected body error, got %v", err)
	}
	if run.Status != api.StatusFailed || run.FailedStep != "" {
		t.Fatalf("expected unattributed failure, got %+v", run)
	}
}

func TestExecuteRun_UnknownRun(t *testing.T) {
	eng := NewInMemoryEngine()

	if _, err := eng.ExecuteRun(context.Background(), "no-such-run"); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestExecuteRun_ContextCancelRevertsToPending(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs: mem, Steps: mem, Timers: mem, Dispatches: mem, History: mem,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())

	def := api.WorkflowDefinition{
		ID:      "shutdown-mid-run",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			if _, err := rc.Step("first", func(ctx context.Context) (any, error) {
				return "done", nil
			}); err != nil {
				return nil, err
			}
			cancel()
			// The cancelled context is observed at the next step boundary.
			return rc.Step("second", func(ctx context.Context) (any, error) {
				return "unreachable", nil
			})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	run, err := eng.ExecuteRun(ctx, runID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.Status != api.StatusPending {
		t.Fatalf("expected run back to PENDING for recovery, got %q", run.Status)
	}

	// Recovery on a fresh context finishes the run, replaying "first".
	run, err = eng.ExecuteRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("recovery ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted || run.Output != "unreachable" {
		t.Fatalf("expected completion, got %q %#v", run.Status, run.Output)
	}
}

func TestStepWithRetry_PerStepPolicyOverridesDefault(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	var attempts atomic.Int64

	def := api.WorkflowDefinition{
		ID:      "per-step-policy",
		Trigger: "order/placed",
		Retry:   &api.RetryPolicy{MaxAttempts: 5},
		Body: func(rc api.RunContext) (any, error) {
			return rc.StepWithRetry("no-retry", func(ctx context.Context) (any, error) {
				attempts.Add(1)
				return nil, errors.New("nope")
			}, api.RetryPolicy{MaxAttempts: 1})
		},
	}

	runID := dispatchOne(t, eng, def, nil)

	if _, err := eng.ExecuteRun(ctx, runID); err == nil {
		t.Fatalf("expected failure")
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts.Load())
	}
}
