package sched

import "errors"

var (
	// ErrQueueFull rejects Schedule when the pending queue is at capacity.
	// The queue is left untouched.
	ErrQueueFull = errors.New("queue full")

	// ErrStopped rejects operations after the scheduler shut down.
	ErrStopped = errors.New("scheduler stopped")
)
