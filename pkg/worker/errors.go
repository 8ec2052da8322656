package worker

import "errors"

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrPoolStopped is returned by SubmitWait once Stop has closed the queue
	// or the run context has ended.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrNilProcessor is the value NewPool panics with.
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout means items were still being processed when Stop gave up
	// waiting.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
