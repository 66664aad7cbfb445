package stepwise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newGatewayEngine(t *testing.T) Engine {
	t.Helper()

	eng := NewInMemoryEngine()
	NewWorkflow("send-welcome-email").
		On("user/signup.completed").
		Body(func(rc RunContext) (any, error) { return "sent", nil }).
		MustRegister(eng)
	return eng
}

func TestGateway_SubmitAssignsDistinctEventIDs(t *testing.T) {
	ctx := context.Background()
	eng := newGatewayEngine(t)
	gw := NewGateway(eng)

	first, err := gw.Submit(ctx, "user/signup.completed", map[string]any{"userId": "u-1"})
	require.NoError(t, err)
	require.NotEmpty(t, first.EventID)
	require.Len(t, first.RunIDs, 1)

	second, err := gw.Submit(ctx, "user/signup.completed", map[string]any{"userId": "u-1"})
	require.NoError(t, err)
	require.NotEqual(t, first.EventID, second.EventID, "each Submit is a distinct event")
	require.NotEqual(t, first.RunIDs[0], second.RunIDs[0])
}

func TestGateway_SubmitIdempotentCollapsesRetries(t *testing.T) {
	ctx := context.Background()
	eng := newGatewayEngine(t)
	gw := NewGateway(eng)

	first, err := gw.SubmitIdempotent(ctx, "signup-u-1", "user/signup.completed", map[string]any{"userId": "u-1"})
	require.NoError(t, err)

	retry, err := gw.SubmitIdempotent(ctx, "signup-u-1", "user/signup.completed", map[string]any{"userId": "u-1"})
	require.NoError(t, err)

	require.Equal(t, first.EventID, retry.EventID)
	require.Equal(t, first.RunIDs, retry.RunIDs, "retried submission must map to the same runs")

	runs, err := eng.ListRuns(ctx, RunListOptions{EventID: first.EventID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestGateway_DifferentKeysProduceDifferentEvents(t *testing.T) {
	ctx := context.Background()
	eng := newGatewayEngine(t)
	gw := NewGateway(eng)

	a, err := gw.SubmitIdempotent(ctx, "signup-u-1", "user/signup.completed", nil)
	require.NoError(t, err)
	b, err := gw.SubmitIdempotent(ctx, "signup-u-2", "user/signup.completed", nil)
	require.NoError(t, err)

	require.NotEqual(t, a.EventID, b.EventID)
	require.NotEqual(t, a.RunIDs, b.RunIDs)
}

func TestGateway_Validation(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(newGatewayEngine(t))

	_, err := gw.Submit(ctx, "", nil)
	require.Error(t, err)

	_, err = gw.SubmitIdempotent(ctx, "", "user/signup.completed", nil)
	require.Error(t, err)

	_, err = gw.SubmitIdempotent(ctx, "key", "", nil)
	require.Error(t, err)
}

func TestGateway_NoSubscribers(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(newGatewayEngine(t))

	res, err := gw.Submit(ctx, "nobody/listens", nil)
	require.NoError(t, err)
	require.Empty(t, res.RunIDs)
	require.NotEmpty(t, res.EventID)
}

func TestGateway_EventCarriesSubmittedData(t *testing.T) {
	ctx := context.Background()
	eng := newGatewayEngine(t)
	gw := NewGateway(eng)

	res, err := gw.Submit(ctx, "user/signup.completed", map[string]any{"plan": "pro"})
	require.NoError(t, err)

	run, err := eng.GetRun(ctx, res.RunIDs[0])
	require.NoError(t, err)

	data, ok := run.Event.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "pro", data["plan"])
	require.WithinDuration(t, time.Now(), run.Event.OccurredAt, time.Minute)
}
