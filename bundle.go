package stepwise

import (
	"database/sql"

	"github.com/jpelkonen/stepwise/internal/engine"
	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/internal/taskqueue"
)

// NewSQLiteRuntime constructs a durable Runtime whose engine, task
// queue, and dispatch ledger all share the provided SQLite database.
// Runs, step records, timers, and queued tasks survive a restart; call
// RecoverStuckRuns after constructing the runtime to re-enqueue runs
// that were mid-flight when the previous process died.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepwise.db?_journal=WAL")
//	rt, err := stepwise.NewSQLiteRuntime(db)
//	// register workflows on rt.Engine
//	_, _ = rt.Engine.RecoverStuckRuns(ctx)
//	_ = rt.StartWorkers(ctx, 2)
func NewSQLiteRuntime(db *sql.DB) (*Runtime, error) {
	return NewSQLiteRuntimeWithConfig(db, RuntimeConfig{})
}

// NewSQLiteRuntimeWithConfig is NewSQLiteRuntime with explicit
// configuration. QueueCapacity is ignored; the SQLite queue is
// unbounded.
func NewSQLiteRuntimeWithConfig(db *sql.DB, cfg RuntimeConfig) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{
			Runs:       store,
			Steps:      store,
			Timers:     store,
			Dispatches: store,
			History:    store,
		},
		Queue:    q,
		Observer: cfg.Observer,
	})

	return newRuntime(eng, q, cfg), nil
}
