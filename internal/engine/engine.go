package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/internal/taskqueue"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper
// functions or the root package constructors.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Clock       Clock

	// DefaultRetry applies to steps without a per-step or per-workflow
	// policy. Zero value means 3 attempts with exponential backoff.
	DefaultRetry api.RetryPolicy

	// StoreRetryAttempts / StoreRetryBackoff control how often a failing
	// durable-store operation is retried before the run is failed with an
	// infrastructure reason.
	StoreRetryAttempts int
	StoreRetryBackoff  time.Duration
}

// engineImpl is a single-process engine implementation. Runs execute
// concurrently; each run is serialized through a per-run lock so exactly
// one executor drives a given run at a time.
type engineImpl struct {
	p        persistence.Persistence
	queue    taskqueue.Queue
	registry *workflowRegistry
	observer api.Observer
	clock    Clock

	defaultRetry       api.RetryPolicy
	storeRetryAttempts int
	storeRetryBackoff  time.Duration

	mu        sync.Mutex
	runLocks  map[string]*sync.Mutex
	cancelled sync.Map // runID -> struct{}
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	queue := cfg.Queue
	if queue == nil {
		queue = taskqueue.NewInMemoryQueue(1024)
	}

	p := cfg.Persistence
	if p.History == nil {
		p.History = persistence.NoopHistoryStore{}
	}

	retry := cfg.DefaultRetry
	if retry.MaxAttempts <= 0 {
		retry = api.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    100 * time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Second,
		}
	}

	storeAttempts := cfg.StoreRetryAttempts
	if storeAttempts <= 0 {
		storeAttempts = 3
	}
	storeBackoff := cfg.StoreRetryBackoff
	if storeBackoff <= 0 {
		storeBackoff = 50 * time.Millisecond
	}

	return &engineImpl{
		p:                  p,
		queue:              queue,
		registry:           newWorkflowRegistry(),
		observer:           obs,
		clock:              clock,
		defaultRetry:       retry,
		storeRetryAttempts: storeAttempts,
		storeRetryBackoff:  storeBackoff,
		runLocks:           make(map[string]*sync.Mutex),
	}
}

// NewEngine returns an Engine backed by the given persistence bundle with
// default queue, clock, and observer.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores. Not crash-durable; intended for tests and development.
func NewInMemoryEngine() api.Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver is NewInMemoryEngine with an Observer.
func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:       mem,
			Steps:      mem,
			Timers:     mem,
			Dispatches: mem,
			History:    mem,
		},
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine that persists runs, step records,
// timers, and dispatch records in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver is NewSQLiteEngine with an Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:       store,
			Steps:      store,
			Timers:     store,
			Dispatches: store,
			History:    store,
		},
		Observer: obs,
	}), nil
}

func (e *engineImpl) Register(def api.WorkflowDefinition) error {
	return e.registry.Register(def)
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.Run, error) {
	run, err := e.p.Runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
		}
		return nil, err
	}
	return run, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	return e.p.Runs.ListRuns(ctx, persistence.RunFilter{
		WorkflowID: opts.WorkflowID,
		EventID:    opts.EventID,
		Status:     opts.Status,
	})
}

func (e *engineImpl) ListHistory(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	return e.p.History.List(ctx, runID)
}

// lockRun serializes executors per run ID (single-writer invariant).
// It returns the unlock function.
func (e *engineImpl) lockRun(id string) func() {
	e.mu.Lock()
	l, ok := e.runLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// clearRunState drops per-run bookkeeping once a run is terminal.
func (e *engineImpl) clearRunState(id string) {
	e.cancelled.Delete(id)
	e.mu.Lock()
	delete(e.runLocks, id)
	e.mu.Unlock()
}

func (e *engineImpl) isCancelled(runID string) bool {
	_, ok := e.cancelled.Load(runID)
	return ok
}

// withStoreRetry runs a durable-store operation, retrying transient
// failures with doubling backoff. Not-found results are returned as-is;
// exhausted retries surface as *api.InfrastructureError.
func (e *engineImpl) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	backoff := e.storeRetryBackoff

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, persistence.ErrRunNotFound) ||
			errors.Is(err, persistence.ErrStepNotFound) ||
			errors.Is(err, persistence.ErrTimerNotFound) {
			return err
		}
		if attempt == e.storeRetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return &api.InfrastructureError{Op: op, Err: err}
}

func (e *engineImpl) appendHistory(ctx context.Context, runID string, typ api.HistoryType, stepID, detail string) {
	// History is best-effort; a failed append never fails the run.
	_ = e.p.History.Append(ctx, api.HistoryEntry{
		RunID:  runID,
		At:     e.clock.Now(),
		Type:   typ,
		StepID: stepID,
		Detail: detail,
	})
}
