package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jpelkonen/stepwise/internal/taskqueue"
	"github.com/jpelkonen/stepwise/pkg/api"
)

// Worker pulls tasks from a Queue and executes them using an Engine.
// A task is either "execute this run" (first entry, timer resumption, and
// crash re-entry are all the same operation, since the executor replays
// from the top) or "dispatch this event".
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
	}
}

// EnqueueExecuteRun enqueues a task to drive a run asynchronously.
func (w *Worker) EnqueueExecuteRun(ctx context.Context, runID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeExecuteRun,
		RunID:      runID,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueDispatch enqueues a task to dispatch an event asynchronously.
// The event's Data must be gob-encodable when a durable queue is used.
func (w *Worker) EnqueueDispatch(ctx context.Context, ev api.Event) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeDispatchEvent,
		EventID:    ev.ID,
		EventName:  ev.Name,
		Payload:    ev.Data,
		EnqueuedAt: time.Now(),
		NotBefore:  ev.OccurredAt,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue error)
//   - processed == true: a task was processed; err reports the handler outcome
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeExecuteRun:
		_, runErr := w.engine.ExecuteRun(ctx, task.RunID)
		// A failed run is a recorded outcome, not a worker fault: the
		// failure lives on the run and is observable via GetRun. Only
		// infrastructure-level errors flow out of the worker loop.
		var stepErr *api.StepError
		if runErr != nil && (errors.As(runErr, &stepErr) || errors.Is(runErr, api.ErrRunCancelled)) {
			runErr = nil
		}
		return true, runErr

	case taskqueue.TaskTypeDispatchEvent:
		ev := api.Event{
			ID:         task.EventID,
			Name:       task.EventName,
			Data:       task.Payload,
			OccurredAt: task.NotBefore,
		}
		_, dispatchErr := w.engine.Dispatch(ctx, ev)
		return true, dispatchErr

	default:
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}
