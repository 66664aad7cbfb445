// Package worker provides the task-processing loop that drives runs
// asynchronously.
//
// A Worker dequeues tasks produced by the engine (run executions queued
// by Dispatch, resumptions queued by the timer sweep, re-entries queued
// by crash recovery) and hands them to the Engine. Workers are cheap;
// run one goroutine per desired unit of concurrency, each looping on
// ProcessOne until its context is cancelled. The Runtime in the root
// package does exactly that.
package worker
