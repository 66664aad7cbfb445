package api

import "time"

// HistoryType identifies a run lifecycle history record.
type HistoryType string

const (
	HistoryRunEnqueued  HistoryType = "run.enqueued"
	HistoryRunStarted   HistoryType = "run.started"
	HistoryRunResumed   HistoryType = "run.resumed"
	HistoryRunSleeping  HistoryType = "run.sleeping"
	HistoryRunCompleted HistoryType = "run.completed"
	HistoryRunFailed    HistoryType = "run.failed"
	HistoryRunCancelled HistoryType = "run.cancelled"

	HistoryStepCompleted HistoryType = "step.completed"
	HistoryStepFailed    HistoryType = "step.failed"

	HistoryTimerFired HistoryType = "timer.fired"
)

// HistoryEntry is a minimal append-only record for audit and debugging.
// It is intentionally small and stable; richer history can be layered
// later.
type HistoryEntry struct {
	RunID string
	At    time.Time
	Type  HistoryType

	// StepID is set for step and timer records, empty otherwise.
	StepID string

	// Detail holds small, human-oriented context (e.g. an error string).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}
