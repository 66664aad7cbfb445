package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSleeping  Status = "SLEEPING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a final status. Completed and failed runs
// are never mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is a named, payload-bearing trigger. One event may start zero or
// more runs, one per workflow registered on its name.
//
// Events are immutable once created. Data must be gob-encodable when a
// durable backend is used; custom struct payloads should be registered
// with gob.Register.
type Event struct {
	ID         string
	Name       string
	Data       any
	OccurredAt time.Time
}

// StepFunc is the body of a single step. It is invoked at most once per
// (run, step ID); on replay the stored result is returned instead.
type StepFunc func(ctx context.Context) (any, error)

// BodyFunc is a workflow body. It is re-executed from the top on every
// (re)entry of a run, so it must be deterministic given its event and its
// memoized step results: any side effect, random value, or timestamp that
// must be stable across replays belongs inside a RunContext.Step call.
type BodyFunc func(rc RunContext) (any, error)

// RunContext is the surface a workflow body uses to interact with
// durability. Step and Sleep are the only two durable primitives; work
// performed outside them is not memoized and will re-run on every replay.
type RunContext interface {
	// Context returns the context driving this execution pass.
	Context() context.Context

	// Event returns the event that triggered this run.
	Event() Event

	// RunID returns the run's identifier.
	RunID() string

	// Step executes fn at most once for this run under the given step ID.
	// If a terminal record already exists for the ID, the stored result
	// (or stored failure) is returned without invoking fn. The ID must be
	// stable across replays and unique within the run.
	Step(stepID string, fn StepFunc) (any, error)

	// StepWithRetry is Step with an explicit per-step retry policy.
	StepWithRetry(stepID string, fn StepFunc, retry RetryPolicy) (any, error)

	// Sleep suspends the run until at least d has elapsed, without holding
	// a goroutine for the duration. On the first pass it persists a timer
	// and returns a suspension error that the body must propagate to the
	// engine unchanged. On replay after the timer has fired it returns nil
	// immediately.
	Sleep(timerID string, d time.Duration) error
}

// WorkflowDefinition associates a workflow body with the event name that
// triggers it. Definitions are registered once at startup and are
// immutable thereafter.
type WorkflowDefinition struct {
	// ID uniquely identifies the workflow. Registering two definitions
	// with the same ID is a configuration error.
	ID string

	// Trigger is the event name this workflow subscribes to. Multiple
	// workflows may share a trigger; a matching event fans out to all of
	// them, each as an independent run.
	Trigger string

	Body BodyFunc

	// Retry, if non-nil, is the default retry policy for this workflow's
	// steps. Per-step policies passed to StepWithRetry take precedence.
	Retry *RetryPolicy
}

// Run is one execution instance of a workflow for one event.
//
// A run is driven by exactly one executor at a time and moves through
// PENDING -> RUNNING -> (SLEEPING -> RUNNING)* -> COMPLETED | FAILED.
type Run struct {
	ID         string
	WorkflowID string

	// Event is the triggering event, carried in full so the body can be
	// replayed after a process restart.
	Event Event

	Status Status

	// Output is the body's return value once the run is COMPLETED.
	Output any

	// Err holds the failure once the run is FAILED. FailedStep names the
	// step the failure is attributed to, when there is one.
	Err        error
	FailedStep string

	CreatedAt   time.Time
	CompletedAt time.Time
}

// StepStatus is the terminal state of a step record.
type StepStatus string

const (
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StepRecord is the durable record of one step's outcome within a run.
// At most one record exists per (run, step ID), and once written it is
// returned verbatim on every later lookup. That immutability is what
// makes replaying side-effecting steps safe.
type StepRecord struct {
	RunID  string
	StepID string
	Status StepStatus

	// Result is the step's return value when Status is COMPLETED.
	Result any

	// ErrMsg is the final error text when Status is FAILED.
	ErrMsg string

	// Attempts is the number of invocations it took to reach the terminal
	// status, retries included.
	Attempts int

	RecordedAt time.Time
}

// Timer is a durable wake-up for a sleeping run. At most one live timer
// exists per (run, timer ID). Firing happens at or after DueAt, never
// before; lateness is tolerated.
type Timer struct {
	RunID     string
	TimerID   string
	DueAt     time.Time
	Fired     bool
	CreatedAt time.Time
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry; each further retry
// multiplies it by BackoffMultiplier (default 2.0), capped at MaxBackoff
// when that is set.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// RunListOptions controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunListOptions struct {
	// WorkflowID, if non-empty, limits results to runs of that workflow.
	WorkflowID string

	// EventID, if non-empty, limits results to runs created for that event.
	EventID string

	// Status, if non-empty, limits results to runs with that status.
	Status Status
}

// Engine is the step orchestration engine API.
type Engine interface {
	// Register adds a workflow definition. It must be called before any
	// matching event is dispatched; the registry freezes on first
	// dispatch. A duplicate workflow ID yields a *RegistrationError.
	Register(def WorkflowDefinition) error

	// Dispatch fans ev out to every workflow registered on ev.Name,
	// creating one pending run per match and enqueueing it for execution.
	// It returns the run IDs, in registration order.
	//
	// Redelivery of an event ID already dispatched is a no-op that
	// returns the previously created run IDs. An event with no
	// subscribers is accepted and produces zero runs.
	Dispatch(ctx context.Context, ev Event) ([]string, error)

	// ExecuteRun drives the run until it completes, fails, or suspends on
	// a timer. Calling it on a terminal run returns the run unchanged.
	// The engine serializes concurrent calls per run ID so that exactly
	// one executor ever drives a given run at a time.
	ExecuteRun(ctx context.Context, runID string) (*Run, error)

	// GetRun looks up a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs matching the given options.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*Run, error)

	// ListHistory returns the append-only lifecycle history of a run.
	ListHistory(ctx context.Context, runID string) ([]HistoryEntry, error)

	// CancelRun marks a non-terminal run FAILED with a cancelled reason
	// and prevents further step execution. Steps already recorded stay
	// recorded; compensation, if needed, is the workflow body's own
	// responsibility via an explicit compensating step.
	CancelRun(ctx context.Context, id string) (*Run, error)

	// SweepTimers performs one sweep pass: every unfired timer due at or
	// before now is marked fired and its run is enqueued for resumption.
	// It returns the number of timers fired.
	SweepTimers(ctx context.Context) (int, error)

	// RecoverStuckRuns re-enqueues runs left PENDING or RUNNING, for
	// example after a process crash. Replay makes re-execution safe:
	// completed steps short-circuit from the ledger. It is intended to be
	// called on startup before workers begin. Sleeping runs need no
	// recovery; their timers survive in the store.
	RecoverStuckRuns(ctx context.Context) (int, error)
}
