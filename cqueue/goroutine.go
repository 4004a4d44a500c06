package cqueue

import (
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id from its own
// stack trace header ("goroutine 123 [running]:"). This is the same
// technique the standalone goroutine-id packages use; the few lines needed
// are inlined rather than taking on a dependency.
//
// It answers one question: is the caller the current manual-lock owner?
// Lock and the WaitFor* family use it to detect EDEADLK, i.e. a goroutine
// that still holds a Queue's manual lock attempting to re-enter a blocking
// wait on the same queue. That failure mode would otherwise hang forever
// on the mutex itself, the same way a non-reentrant pthread mutex would.
// Destroy uses it to skip re-locking a mutex its caller already holds.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) <= len(prefix) {
		return -1
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
