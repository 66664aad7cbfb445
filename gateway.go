package stepwise

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Gateway is the event-submission surface in front of an Engine. It
// assigns event IDs and timestamps so callers only provide the event
// name and payload.
type Gateway struct {
	engine Engine
}

// NewGateway creates a Gateway over the given engine.
func NewGateway(eng Engine) *Gateway {
	return &Gateway{engine: eng}
}

// SubmitResult describes the outcome of an event submission.
type SubmitResult struct {
	// EventID is the ID assigned to (or derived for) the event.
	EventID string

	// RunIDs are the runs for this event, one per workflow subscribed
	// to the event name. A duplicate dispatch returns the run IDs
	// created the first time. Empty when no workflow subscribes.
	RunIDs []string
}

// Submit assigns a fresh ID to the event and dispatches it. Each call
// is a distinct event even with identical name and data; use
// SubmitIdempotent when retried submissions must collapse.
func (g *Gateway) Submit(ctx context.Context, name string, data map[string]any) (*SubmitResult, error) {
	if name == "" {
		return nil, errors.New("stepwise: event name must not be empty")
	}
	return g.dispatch(ctx, uuid.NewString(), name, data)
}

// eventKeyNamespace derives deterministic event IDs from idempotency keys.
var eventKeyNamespace = uuid.MustParse("9a1c8f52-7d04-4be2-b7f3-61e04c5a8d20")

// SubmitIdempotent dispatches an event whose ID is derived from the
// given key, so retried submissions with the same key produce the same
// event ID and the engine's dispatch ledger suppresses duplicate runs.
// The dedupe is as durable as the engine's store.
func (g *Gateway) SubmitIdempotent(ctx context.Context, key, name string, data map[string]any) (*SubmitResult, error) {
	if key == "" {
		return nil, errors.New("stepwise: idempotency key must not be empty")
	}
	if name == "" {
		return nil, errors.New("stepwise: event name must not be empty")
	}
	id := uuid.NewSHA1(eventKeyNamespace, []byte(name+"\x00"+key)).String()
	return g.dispatch(ctx, id, name, data)
}

func (g *Gateway) dispatch(ctx context.Context, id, name string, data map[string]any) (*SubmitResult, error) {
	runIDs, err := g.engine.Dispatch(ctx, Event{
		ID:         id,
		Name:       name,
		Data:       data,
		OccurredAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{EventID: id, RunIDs: runIDs}, nil
}
