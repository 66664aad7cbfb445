package stepwise

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jpelkonen/stepwise/internal/engine"
	"github.com/jpelkonen/stepwise/internal/persistence"
	"github.com/jpelkonen/stepwise/internal/taskqueue"
	"github.com/jpelkonen/stepwise/pkg/worker"
)

// RuntimeConfig controls how a Runtime is assembled.
type RuntimeConfig struct {
	// Workers is the number of worker goroutines started by StartWorkers
	// when its concurrency argument is <= 0. Defaults to 1.
	Workers int

	// SweepInterval is how often due timers are swept and their runs
	// re-enqueued. Defaults to 100ms.
	SweepInterval time.Duration

	// QueueCapacity bounds the in-memory task queue. Defaults to 1024.
	QueueCapacity int

	// Observer receives run and step lifecycle callbacks.
	Observer Observer
}

// Runtime bundles an Engine, a task queue, a Worker, and a timer sweep
// loop into a single-process runtime for development and tests.
//
// Typical usage:
//
//	rt := stepwise.NewRuntime()
//	stepwise.NewWorkflow("send-welcome-email").
//	    On("user/signup.completed").
//	    Body(body).
//	    MustRegister(rt.Engine)
//
//	_ = rt.StartWorkers(ctx, 2)
//	res, _ := rt.Gateway.Submit(ctx, "user/signup.completed", data)
//	run, _ := rt.AwaitRun(ctx, res.RunIDs[0])
//	rt.Stop()
type Runtime struct {
	// Engine is the workflow engine used by this runtime.
	Engine Engine

	// Queue is the task queue shared by Engine and Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	// Gateway submits events to Engine.
	Gateway *Gateway

	sweepInterval time.Duration
	workers       int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRuntime constructs a Runtime backed by in-memory stores and an
// in-memory queue with default config.
func NewRuntime() *Runtime {
	return NewRuntimeWithConfig(RuntimeConfig{})
}

// NewRuntimeWithConfig is NewRuntime with explicit configuration.
func NewRuntimeWithConfig(cfg RuntimeConfig) *Runtime {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	q := taskqueue.NewInMemoryQueue(capacity)

	mem := persistence.NewInMemoryStore()
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{
			Runs:       mem,
			Steps:      mem,
			Timers:     mem,
			Dispatches: mem,
			History:    mem,
		},
		Queue:    q,
		Observer: cfg.Observer,
	})

	return newRuntime(eng, q, cfg)
}

func newRuntime(eng Engine, q taskqueue.Queue, cfg RuntimeConfig) *Runtime {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 100 * time.Millisecond
	}

	return &Runtime{
		Engine:        eng,
		Queue:         q,
		Worker:        worker.New(eng, q),
		Gateway:       NewGateway(eng),
		sweepInterval: sweep,
		workers:       workers,
	}
}

// StartWorkers starts 'concurrency' worker goroutines (or the configured
// default when concurrency <= 0) plus the timer sweep loop. Goroutines
// run until Stop is called or the context is cancelled.
//
// If StartWorkers is called again without Stop, it returns an error.
func (r *Runtime) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepwise: Runtime already started")
	}

	if concurrency <= 0 {
		concurrency = r.workers
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					// Cancellation is a clean shutdown signal.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// For other errors, log and keep going so a single bad task
					// doesn't kill the worker loop.
					log.Printf("stepwise: runtime worker error: %v", err)
					continue
				}
				if !processed {
					// Only happens when ctx was cancelled before a task
					// arrived; the next Dequeue returns context.Canceled.
					continue
				}
			}
		}()
	}

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	return nil
}

// sweepLoop periodically fires due timers and re-enqueues their runs.
func (r *Runtime) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Engine.SweepTimers(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("stepwise: timer sweep error: %v", err)
			}
		}
	}
}

// Stop cancels all goroutines started by StartWorkers and waits for
// them to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// SubmitAsync enqueues an event for dispatch by a worker instead of
// dispatching inline.
func (r *Runtime) SubmitAsync(ctx context.Context, ev Event) error {
	return r.Worker.EnqueueDispatch(ctx, ev)
}

// AwaitRun polls until the run with the given ID reaches a terminal
// status or ctx is cancelled.
func (r *Runtime) AwaitRun(ctx context.Context, runID string) (*Run, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := r.Engine.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
