package stepwise

import (
	"context"
	"database/sql"

	"github.com/jpelkonen/stepwise/internal/engine"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Event                = api.Event
	WorkflowDefinition   = api.WorkflowDefinition
	Run                  = api.Run
	RunContext           = api.RunContext
	RunListOptions       = api.RunListOptions
	Status               = api.Status
	StepFunc             = api.StepFunc
	BodyFunc             = api.BodyFunc
	RetryPolicy          = api.RetryPolicy
	StepError            = api.StepError
	RegistrationError    = api.RegistrationError
	HistoryEntry         = api.HistoryEntry
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusSleeping  = api.StatusSleeping
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

// Engine constructors
// These wrap the internal/engine package so external callers never need
// to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores. Not crash-durable; intended for tests and development.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists runs, step records,
// timers, and dispatch records in a SQLite database, so in-flight runs
// and sleeping timers survive a process restart.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// Convenience helpers that just forward to the underlying Engine.

// Register registers a workflow definition with the engine.
func Register(eng Engine, def WorkflowDefinition) error {
	return eng.Register(def)
}

// Dispatch fans an event out to all workflows registered on its name.
func Dispatch(ctx context.Context, eng Engine, ev Event) ([]string, error) {
	return eng.Dispatch(ctx, ev)
}

// GetRun fetches a run by ID.
func GetRun(ctx context.Context, eng Engine, id string) (*Run, error) {
	return eng.GetRun(ctx, id)
}

// ListRuns lists runs according to the given options.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*Run, error) {
	return eng.ListRuns(ctx, opts)
}

// CancelRun cancels a non-terminal run.
func CancelRun(ctx context.Context, eng Engine, id string) (*Run, error) {
	return eng.CancelRun(ctx, id)
}

// RecoverStuckRuns delegates to eng.RecoverStuckRuns.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := stepwise.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
