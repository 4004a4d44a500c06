package cqueue

import "errors"

// Sentinel errors for the queue. Callers compare with errors.Is, the same
// way the standard library exposes io.EOF.
var (
	ErrInvalidArgument = errors.New("cqueue: invalid argument")
	ErrOverflow        = errors.New("cqueue: queue is full")
	ErrTimedOut        = errors.New("cqueue: wait deadline reached")
	ErrInterrupted     = errors.New("cqueue: queue is being destroyed")
	ErrCancelRequested = errors.New("cqueue: wait cancelled")
	ErrUnsupported     = errors.New("cqueue: predicate not supported on unbounded queue")
	ErrDeadlock        = errors.New("cqueue: same-owner re-acquisition")
	ErrPermission      = errors.New("cqueue: caller does not own the lock")
)
