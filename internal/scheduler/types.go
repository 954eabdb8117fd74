// Package scheduler runs work in per-key single-writer lanes.
package scheduler

import "errors"

// Sentinel errors for the scheduler package.
var (
	// ErrQueueFull is returned when a lane is at capacity.
	ErrQueueFull = errors.New("lane queue full")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("lanes closed")

	// ErrLaneClosed is returned when enqueueing into a lane that is draining.
	ErrLaneClosed = errors.New("lane closed")

	// ErrPanic wraps a panic recovered from a task.
	ErrPanic = errors.New("task panicked")
)
