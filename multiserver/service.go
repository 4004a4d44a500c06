package multiserver

import "net"

// ServiceFlags selects per-service dispatch behavior.
type ServiceFlags int

const (
	// Inline runs accepted sessions directly on the RunServer goroutine.
	Inline ServiceFlags = 0
	// ThreadedSessions submits accepted sessions to the server's pool
	// instead of running them inline on the accept loop.
	ThreadedSessions ServiceFlags = 1 << iota
)

// Handler processes one accepted Session. For ThreadedSessions its error
// return becomes the Action result recorded on the executing threadpool
// worker; for Inline sessions it is only logged.
type Handler func(*Session) error

// serviceState tracks the per-service lifecycle:
// registered -> bound -> listening -> handled -> running.
type serviceState int

const (
	stateRegistered serviceState = iota
	stateBound
	stateListening
	stateHandled
	stateRunning
)

// Service is a named listening endpoint plus its handler.
type Service struct {
	Name  string
	Flags ServiceFlags

	listener net.Listener
	handler  Handler
	state    serviceState
}

// Session is a single accepted connection, paired with the Service that
// accepted it so a ThreadedSessions handler can be dispatched off the
// accept loop without losing track of which service it belongs to. ID is a
// per-accept correlation id carried through the dispatch logs.
type Session struct {
	ID      string
	Service *Service
	Conn    net.Conn
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.Conn.Close() }
