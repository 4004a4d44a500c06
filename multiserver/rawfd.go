package multiserver

import (
	"net"
	"syscall"
)

// rawFDImpl recovers the OS file descriptor backing a net.Listener without
// duplicating it, for use with unix.Poll. The listener must stay open for
// as long as the descriptor is polled; the Server owns the listener and
// closes it in Destroy.
func rawFDImpl(l net.Listener) (int, error) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return -1, ErrInvalidArgument
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}
