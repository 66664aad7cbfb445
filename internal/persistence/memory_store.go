package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jpelkonen/stepwise/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of all store
// interfaces backed by maps. It is the reference implementation: not
// crash-durable, but it honors the same conditional-write semantics as
// the durable backends, so engine behavior is identical.
type InMemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]api.Run
	steps      map[string]map[string]api.StepRecord // runID -> stepID -> record
	stepOrder  map[string][]string                  // runID -> stepIDs in recording order
	timers     map[string]map[string]api.Timer      // runID -> timerID -> timer
	dispatches map[dispatchKey]string               // (eventID, workflowID) -> runID
	history    map[string][]api.HistoryEntry
}

type dispatchKey struct {
	eventID    string
	workflowID string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:       make(map[string]api.Run),
		steps:      make(map[string]map[string]api.StepRecord),
		stepOrder:  make(map[string][]string),
		timers:     make(map[string]map[string]api.Timer),
		dispatches: make(map[dispatchKey]string),
		history:    make(map[string][]api.HistoryEntry),
	}
}

// Ensure InMemoryStore implements the store interfaces.
var (
	_ RunStore      = (*InMemoryStore)(nil)
	_ StepStore     = (*InMemoryStore)(nil)
	_ TimerStore    = (*InMemoryStore)(nil)
	_ DispatchStore = (*InMemoryStore)(nil)
	_ HistoryStore  = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = *run
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}

	s.runs[run.ID] = *run
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	copied := run
	return &copied, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run

	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.EventID != "" && run.Event.ID != filter.EventID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		copied := run
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (s *InMemoryStore) PutStep(ctx context.Context, rec *api.StepRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStep := s.steps[rec.RunID]
	if byStep == nil {
		byStep = make(map[string]api.StepRecord)
		s.steps[rec.RunID] = byStep
	}

	if _, exists := byStep[rec.StepID]; exists {
		return false, nil
	}

	byStep[rec.StepID] = *rec
	s.stepOrder[rec.RunID] = append(s.stepOrder[rec.RunID], rec.StepID)
	return true, nil
}

func (s *InMemoryStore) GetStep(ctx context.Context, runID, stepID string) (*api.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.steps[runID][stepID]
	if !ok {
		return nil, ErrStepNotFound
	}

	copied := rec
	return &copied, nil
}

func (s *InMemoryStore) ListSteps(ctx context.Context, runID string) ([]*api.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.stepOrder[runID]
	result := make([]*api.StepRecord, 0, len(order))
	for _, stepID := range order {
		rec := s.steps[runID][stepID]
		copied := rec
		result = append(result, &copied)
	}
	return result, nil
}

func (s *InMemoryStore) PutTimer(ctx context.Context, t *api.Timer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTimer := s.timers[t.RunID]
	if byTimer == nil {
		byTimer = make(map[string]api.Timer)
		s.timers[t.RunID] = byTimer
	}

	if _, exists := byTimer[t.TimerID]; exists {
		return false, nil
	}

	byTimer[t.TimerID] = *t
	return true, nil
}

func (s *InMemoryStore) GetTimer(ctx context.Context, runID, timerID string) (*api.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.timers[runID][timerID]
	if !ok {
		return nil, ErrTimerNotFound
	}

	copied := t
	return &copied, nil
}

func (s *InMemoryStore) ListTimers(ctx context.Context, runID string) ([]*api.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Timer
	for _, t := range s.timers[runID] {
		copied := t
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) MarkFired(ctx context.Context, runID, timerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[runID][timerID]
	if !ok || t.Fired {
		return false, nil
	}

	t.Fired = true
	s.timers[runID][timerID] = t
	return true, nil
}

func (s *InMemoryStore) Due(ctx context.Context, now time.Time) ([]*api.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*api.Timer
	for _, byTimer := range s.timers {
		for _, t := range byTimer {
			if !t.Fired && !t.DueAt.After(now) {
				copied := t
				due = append(due, &copied)
			}
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].DueAt.Before(due[j].DueAt)
	})

	return due, nil
}

func (s *InMemoryStore) PutDispatch(ctx context.Context, eventID, workflowID, runID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dispatchKey{eventID: eventID, workflowID: workflowID}
	if existing, ok := s.dispatches[key]; ok {
		return existing, false, nil
	}

	s.dispatches[key] = runID
	return runID, true, nil
}

func (s *InMemoryStore) Append(ctx context.Context, entry api.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	s.history[entry.RunID] = append(s.history[entry.RunID], entry)
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[runID]
	out := make([]api.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}
