// Package api contains the core building blocks of the stepwise workflow
// engine: events, workflow definitions, runs, step records, timers, the
// error taxonomy, and the Observer interface.
//
// Most users interact with the higher-level stepwise package, which
// re-exports selected types and adds the builder, gateway, and runtime
// surfaces. The api package is intended for custom integrations and for
// contributors extending the engine itself.
//
// # Events and Runs
//
// An Event is a named, payload-bearing trigger. Dispatching an event
// creates one Run per workflow registered on the event's name; each run
// is an independent execution with its own state, ledger, and lifecycle.
// Redelivering an event with an ID that was already dispatched creates
// nothing new, so upstream at-least-once delivery is safe.
//
// A run moves through
//
//	PENDING -> RUNNING -> (SLEEPING -> RUNNING)* -> COMPLETED | FAILED
//
// and is driven by exactly one executor at a time.
//
// # Bodies, Steps, and Replay
//
// A workflow body (BodyFunc) is re-executed from the top every time its
// run is entered. Durability comes from the step ledger, not from saved
// continuations: each RunContext.Step call is memoized under its step ID,
// so a step's function runs at most once per run and later passes replay
// the recorded outcome. Failed steps replay their failure the same way.
//
// Bodies must be deterministic given their event and memoized results.
// Anything that can differ between passes, including side effects,
// random values, and timestamps that must stay stable, belongs inside a
// Step call.
//
// RunContext.Sleep persists a timer and suspends the run by returning a
// control-flow error. Bodies must propagate errors from Step and Sleep
// unchanged for suspension and failure attribution to work.
//
// # Errors
//
// The error taxonomy separates workflow faults from platform faults:
//
//   - *StepError: a step exhausted its retry budget; terminal for the
//     run and attributed to the step.
//   - *RegistrationError: an invalid or duplicate workflow registration,
//     detected at startup.
//   - *InfrastructureError: the durable store kept failing after
//     retries; the fault is the platform's, not the workflow's.
//   - ErrRunCancelled, ErrRunNotFound, ErrDuplicateStepID: sentinel
//     conditions matched with errors.Is.
//
// # Observability
//
// The Observer interface receives run and step lifecycle callbacks.
// Ready-made implementations cover structured logging (LoggingObserver,
// via log/slog), in-memory counters (BasicMetrics), fan-out
// (CompositeObserver), and the default NoopObserver.
//
// See the stepwise package documentation and the examples directory for
// end-to-end usage.
package api
