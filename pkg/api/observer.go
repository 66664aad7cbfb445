package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called when a run first enters RUNNING.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunResumed is called when a sleeping or recovered run re-enters
	// RUNNING.
	OnRunResumed(ctx context.Context, run *Run)

	// OnRunSleeping is called when a run suspends on a timer.
	OnRunSleeping(ctx context.Context, run *Run, timerID string)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run *Run)

	// OnRunFailed is called when a run transitions to StatusFailed,
	// including cancellation.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnStepStart is called before invoking a step function. It is not
	// called on memoized hits; see OnStepReplayed.
	OnStepStart(ctx context.Context, run *Run, stepID string, attempt int)

	// OnStepCompleted is called after a step function returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *Run, stepID string, err error, duration time.Duration)

	// OnStepReplayed is called when a step call is satisfied from the
	// ledger without invoking its function.
	OnStepReplayed(ctx context.Context, run *Run, stepID string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                      {}
func (NoopObserver) OnRunResumed(ctx context.Context, run *Run)                    {}
func (NoopObserver) OnRunSleeping(ctx context.Context, run *Run, timerID string)   {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *Run)                  {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)          {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, stepID string, attempt int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, err error, d time.Duration) {
}
func (NoopObserver) OnStepReplayed(ctx context.Context, run *Run, stepID string) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunResumed(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunResumed(ctx, run)
	}
}

func (c *CompositeObserver) OnRunSleeping(ctx context.Context, run *Run, timerID string) {
	for _, o := range c.observers {
		o.OnRunSleeping(ctx, run, timerID)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, stepID string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepID, err, d)
	}
}

func (c *CompositeObserver) OnStepReplayed(ctx context.Context, run *Run, stepID string) {
	for _, o := range c.observers {
		o.OnStepReplayed(ctx, run, stepID)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) runAttrs(run *Run) []any {
	return []any{
		slog.String("workflow", run.WorkflowID),
		slog.String("run_id", run.ID),
		slog.String("event", run.Event.Name),
	}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start", o.runAttrs(run)...)
}

func (o *LoggingObserver) OnRunResumed(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_resumed", o.runAttrs(run)...)
}

func (o *LoggingObserver) OnRunSleeping(ctx context.Context, run *Run, timerID string) {
	attrs := append(o.runAttrs(run), slog.String("timer", timerID))
	o.Logger.InfoContext(ctx, "run_sleeping", attrs...)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_completed", o.runAttrs(run)...)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	attrs := append(o.runAttrs(run),
		slog.String("failed_step", run.FailedStep),
		slog.Any("error", err),
	)
	o.Logger.ErrorContext(ctx, "run_failed", attrs...)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, stepID string, attempt int) {
	attrs := append(o.runAttrs(run),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
	)
	o.Logger.DebugContext(ctx, "step_start", attrs...)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, stepID string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	attrs := append(o.runAttrs(run),
		slog.String("step", stepID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
	o.Logger.Log(ctx, level, "step_completed", attrs...)
}

func (o *LoggingObserver) OnStepReplayed(ctx context.Context, run *Run, stepID string) {
	attrs := append(o.runAttrs(run), slog.String("step", stepID))
	o.Logger.DebugContext(ctx, "step_replayed", attrs...)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsSuspended     atomic.Int64
	stepsCompleted    atomic.Int64
	stepsReplayed     atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsSuspended int64
	InFlightRuns  int64

	StepsCompleted  int64
	StepsReplayed   int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunSleeping(ctx context.Context, run *Run, timerID string) {
	m.runsSuspended.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *Run) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, stepID string, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnStepReplayed(ctx context.Context, run *Run, stepID string) {
	m.stepsReplayed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsSuspended:   m.runsSuspended.Load(),
		InFlightRuns:    started - completed - failed,
		StepsCompleted:  steps,
		StepsReplayed:   m.stepsReplayed.Load(),
		AvgStepDuration: avg,
	}
}
