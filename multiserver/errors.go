package multiserver

import "errors"

// Sentinel errors for the multi-service server, checked with errors.Is.
var (
	ErrInvalidArgument = errors.New("multiserver: invalid argument")
	ErrNotFound        = errors.New("multiserver: service not found")
	ErrExists          = errors.New("multiserver: service already bound")
	ErrClosed          = errors.New("multiserver: server is destroyed")

	// errPollFailure marks a listener descriptor that reported
	// POLLERR/POLLHUP/POLLNVAL, which ends the run loop.
	errPollFailure = errors.New("multiserver: listener poll failure")
)
