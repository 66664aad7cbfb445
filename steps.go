package stepwise

import (
	"context"
	"fmt"
)

// Step runs a strongly-typed step through rc and asserts its result to T.
// On replay the memoized value is asserted the same way, so T must survive
// the engine's codec: with a durable store, register custom struct types
// with encoding/gob in an init function.
//
// Example:
//
//	content, err := stepwise.Step(rc, "prepare-email-content",
//	    func(ctx context.Context) (EmailContent, error) { ... })
func Step[T any](rc RunContext, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := rc.Step(id, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	return assertStepResult[T](id, out, err)
}

// StepWithRetry is Step with an explicit retry policy.
func StepWithRetry[T any](rc RunContext, id string, fn func(ctx context.Context) (T, error), retry RetryPolicy) (T, error) {
	out, err := rc.StepWithRetry(id, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, retry)
	return assertStepResult[T](id, out, err)
}

func assertStepResult[T any](id string, out any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("stepwise: step %q result is %T, want %T", id, out, zero)
	}
	return typed, nil
}
