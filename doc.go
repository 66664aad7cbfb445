// Package stepwise provides an embeddable durable workflow engine for Go,
// built around event-triggered workflows, memoized steps, and replay.
//
// Stepwise is designed for backend services that need reliable multi-step
// background operations without heavy infrastructure. It runs fully in Go
// and persists everything it needs to resume work after a crash in a
// SQLite database (or in memory for tests).
//
// # Core Concepts
//
//  1. Engine
//  2. RunContext (Step / Sleep)
//  3. WorkflowBuilder
//  4. Gateway
//  5. Runtime
//
// # Execution Model
//
// A workflow body is an ordinary Go function that is re-executed from the
// top every time its run is entered: on first execution, when it resumes
// after a durable sleep, and when it is re-driven after a crash. There are
// no saved continuations. What makes re-execution safe is the step ledger:
//
//	body := func(rc stepwise.RunContext) (any, error) {
//	    charge, err := rc.Step("charge-card", chargeCard)
//	    if err != nil {
//	        return nil, err
//	    }
//	    if err := rc.Sleep("settle", 24*time.Hour); err != nil {
//	        return nil, err
//	    }
//	    return rc.Step("ship-order", func(ctx context.Context) (any, error) {
//	        return ship(ctx, charge)
//	    })
//	}
//
// The first time "charge-card" runs, its result is recorded durably under
// its step ID. Every later pass through the body returns the recorded
// result without invoking the function again, so each step's side effect
// happens once per run even though the body runs many times. This is also
// the determinism contract: outside of Step and Sleep calls, a body must
// not branch on wall-clock time, random values, or other state that can
// differ between passes.
//
// Sleep persists a timer and suspends the run by returning a control-flow
// error through the body. The run's goroutine is released; a background
// sweep fires due timers and re-enqueues their runs, so a sleeping run
// survives a process restart. Bodies must propagate errors from Step and
// Sleep unchanged for suspension to work.
//
// # Engine
//
// The Engine owns the workflow registry and the durable state: runs, step
// records, timers, the dispatch ledger, and run history. Dispatching an
// event fans it out to every workflow subscribed to the event name, one
// independent run per workflow. A repeated dispatch of the same event ID
// is suppressed per workflow, so delivery retries upstream do not create
// duplicate runs.
//
// # Gateway
//
// The Gateway is the submission surface: it assigns event IDs and
// timestamps. SubmitIdempotent derives the event ID from a caller-supplied
// key, making retried submissions collapse into one event.
//
// # Runtime
//
// Runtime bundles an Engine, a task queue, worker goroutines, and the
// timer sweep loop into a single-process runtime. NewRuntime is in-memory
// and intended for tests and development; NewSQLiteRuntime shares one
// *sql.DB across engine state and the task queue, so a restarted process
// picks up exactly where the previous one stopped.
//
// For complete programs, see the /examples directory.
package stepwise
