package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeExecuteRun drives a run forward: first execution, resumption
	// after a fired timer, or re-entry after crash recovery. They are all
	// the same operation because the executor replays from the top.
	TaskTypeExecuteRun TaskType = "execute-run"

	// TaskTypeDispatchEvent fans an event out to its registered workflows.
	TaskTypeDispatchEvent TaskType = "dispatch-event"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For execute-run tasks.
	RunID string

	// For dispatch-event tasks.
	EventID   string
	EventName string

	// Payload is task-type specific; for dispatch-event it carries the
	// event data.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero value means "immediately".
	NotBefore time.Time

	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
