package threadpool

import "errors"

// Sentinel errors for the pool, checked with errors.Is the way the
// standard library exposes io.EOF.
var (
	ErrInvalidArgument   = errors.New("threadpool: invalid argument")
	ErrOverflow          = errors.New("threadpool: task queue is full")
	ErrTimedOut          = errors.New("threadpool: wait deadline reached")
	ErrInterrupted       = errors.New("threadpool: pool is being destroyed")
	ErrCancelRequested   = errors.New("threadpool: wait cancelled")
	ErrResourceExhausted = errors.New("threadpool: could not spawn worker")
	ErrAlreadyInState    = errors.New("threadpool: worker already in that state")
	ErrDeadlock          = errors.New("threadpool: same-goroutine re-acquisition")
)
