package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/internal/taskqueue"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// fakeClock is a manually advanced Clock for timer tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTimerTestEngine(t *testing.T) (api.Engine, *fakeClock, *taskqueue.InMemoryQueue) {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	queue := taskqueue.NewInMemoryQueue(64)
	mem := persistence.NewInMemoryStore()

	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs: mem, Steps: mem, Timers: mem, Dispatches: mem, History: mem,
		},
		Queue: queue,
		Clock: clock,
	})
	return eng, clock, queue
}

// drainExecuteTasks empties the queue, returning the run IDs of
// execute-run tasks.
func drainExecuteTasks(t *testing.T, q *taskqueue.InMemoryQueue) []string {
	t.Helper()

	var runIDs []string
	for q.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		task, err := q.Dequeue(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if task.Type == taskqueue.TaskTypeExecuteRun {
			runIDs = append(runIDs, task.RunID)
		}
	}
	return runIDs
}

func sleepingWorkflow(passes *atomic.Int64, d time.Duration) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:      "sleeper",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			passes.Add(1)
			if _, err := rc.Step("charge-card", func(ctx context.Context) (any, error) {
				return "charged", nil
			}); err != nil {
				return nil, err
			}
			if err := rc.Sleep("settle", d); err != nil {
				return nil, err
			}
			return rc.Step("ship-order", func(ctx context.Context) (any, error) {
				return "shipped", nil
			})
		},
	}
}

func TestSleep_SuspendsRunAndPersistsTimer(t *testing.T) {
	ctx := context.Background()
	eng, _, queue := newTimerTestEngine(t)

	var passes atomic.Int64
	runID := dispatchOne(t, eng, sleepingWorkflow(&passes, time.Hour), nil)
	drainExecuteTasks(t, queue)

	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusSleeping {
		t.Fatalf("expected SLEEPING, got %q", run.Status)
	}
	if passes.Load() != 1 {
		t.Fatalf("expected 1 body pass, got %d", passes.Load())
	}
}

func TestSweepTimers_NeverFiresEarly(t *testing.T) {
	ctx := context.Background()
	eng, clock, queue := newTimerTestEngine(t)

	var passes atomic.Int64
	runID := dispatchOne(t, eng, sleepingWorkflow(&passes, time.Hour), nil)
	drainExecuteTasks(t, queue)

	if _, err := eng.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	// One minute short of the due time: nothing may fire.
	clock.Advance(59 * time.Minute)
	fired, err := eng.SweepTimers(ctx)
	if err != nil {
		t.Fatalf("SweepTimers failed: %v", err)
	}
	if fired != 0 {
		t.Fatalf("timer fired %d early", fired)
	}
	if ids := drainExecuteTasks(t, queue); len(ids) != 0 {
		t.Fatalf("unexpected resume tasks: %v", ids)
	}

	run, err := eng.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != api.StatusSleeping {
		t.Fatalf("expected run still SLEEPING, got %q", run.Status)
	}
}

func TestSweepTimers_ResumesRunExactlyOnce(t *testing.T) {
	ctx := context.Background()
	eng, clock, queue := newTimerTestEngine(t)

	var passes atomic.Int64
	runID := dispatchOne(t, eng, sleepingWorkflow(&passes, time.Hour), nil)
	drainExecuteTasks(t, queue)

	if _, err := eng.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	clock.Advance(time.Hour + time.Minute)
	fired, err := eng.SweepTimers(ctx)
	if err != nil {
		t.Fatalf("SweepTimers failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fired timer, got %d", fired)
	}

	// A second sweep over the same window must not re-fire.
	fired, err = eng.SweepTimers(ctx)
	if err != nil {
		t.Fatalf("second SweepTimers failed: %v", err)
	}
	if fired != 0 {
		t.Fatalf("timer fired twice")
	}

	resumed := drainExecuteTasks(t, queue)
	if len(resumed) != 1 || resumed[0] != runID {
		t.Fatalf("expected exactly one resume task for %s, got %v", runID, resumed)
	}

	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("resume ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted || run.Output != "shipped" {
		t.Fatalf("expected completion, got %q %#v", run.Status, run.Output)
	}
	if passes.Load() != 2 {
		t.Fatalf("expected 2 body passes, got %d", passes.Load())
	}
}

func TestSleep_FiredTimerReplaysAsNoop(t *testing.T) {
	ctx := context.Background()
	eng, clock, queue := newTimerTestEngine(t)

	var passes atomic.Int64
	runID := dispatchOne(t, eng, sleepingWorkflow(&passes, 30*time.Minute), nil)
	drainExecuteTasks(t, queue)

	if _, err := eng.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := eng.SweepTimers(ctx); err != nil {
		t.Fatalf("SweepTimers failed: %v", err)
	}
	drainExecuteTasks(t, queue)

	// Drive the run twice after the timer fired: the fired timer must
	// replay as an immediate no-op both times, not re-suspend.
	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("ExecuteRun after fire failed: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", run.Status)
	}

	run, err = eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("redundant ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", run.Status)
	}
}

func TestSleep_ZeroDurationDoesNotSuspend(t *testing.T) {
	ctx := context.Background()
	eng, _, queue := newTimerTestEngine(t)

	def := api.WorkflowDefinition{
		ID:      "no-wait",
		Trigger: "order/placed",
		Body: func(rc api.RunContext) (any, error) {
			if err := rc.Sleep("noop", 0); err != nil {
				return nil, err
			}
			return "done", nil
		},
	}

	runID := dispatchOne(t, eng, def, nil)
	drainExecuteTasks(t, queue)

	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusCompleted || run.Output != "done" {
		t.Fatalf("expected immediate completion, got %q %#v", run.Status, run.Output)
	}
}

func TestSleep_UnfiredTimerSuspendsAgainWithoutNewTimer(t *testing.T) {
	ctx := context.Background()
	eng, _, queue := newTimerTestEngine(t)

	var passes atomic.Int64
	runID := dispatchOne(t, eng, sleepingWorkflow(&passes, time.Hour), nil)
	drainExecuteTasks(t, queue)

	if _, err := eng.ExecuteRun(ctx, runID); err != nil {
		t.Fatalf("ExecuteRun failed: %v", err)
	}

	// A spurious re-entry before the timer is due must suspend again on
	// the existing timer.
	run, err := eng.ExecuteRun(ctx, runID)
	if err != nil {
		t.Fatalf("spurious ExecuteRun failed: %v", err)
	}
	if run.Status != api.StatusSleeping {
		t.Fatalf("expected SLEEPING, got %q", run.Status)
	}
	if passes.Load() != 2 {
		t.Fatalf("expected 2 body passes, got %d", passes.Load())
	}
}
