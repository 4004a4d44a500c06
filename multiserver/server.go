// Package multiserver implements a multi-service TCP/Unix server: a
// registry of named listening endpoints, a poll-driven
// accept/dispatch loop, and a pool-hosted signal-monitor worker that
// translates process signals into cooperative pool wake-ups.
package multiserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/hackstrix/steel-corepool/threadpool"
)

// Server owns a service registry and the threadpool.Pool used to dispatch
// ThreadedSessions handlers and to host the signal monitor.
type Server struct {
	registry *registry
	pool     *threadpool.Pool
	log      zerolog.Logger

	mu         sync.Mutex
	monitorIdx int
	destroyed  bool

	sigCh     chan os.Signal
	interrupt chan struct{}
}

// New creates a Server whose registry holds at most maxServices entries (0
// = unlimited) and whose pool hosts the signal monitor plus session
// dispatch. One pool slot is lock_thread-reserved for the monitor, so
// poolAttrs.ThreadCount must leave room for it.
func New(maxServices int, poolAttrs threadpool.Attrs) (*Server, error) {
	pool, err := threadpool.New(poolAttrs)
	if err != nil {
		return nil, fmt.Errorf("multiserver: create pool: %w", err)
	}
	s := &Server{
		registry:   newRegistry(maxServices),
		pool:       pool,
		log:        poolAttrs.Logger,
		monitorIdx: -1,
		interrupt:  make(chan struct{}, 1),
	}
	if err := s.startMonitor(); err != nil {
		_ = pool.Destroy(threadpool.Forceful)
		return nil, err
	}
	return s, nil
}

// Pool exposes the server's worker pool for status inspection.
func (s *Server) Pool() *threadpool.Pool { return s.pool }

// OpenInetSocket binds and listens on a TCP port under name. Returns
// ErrExists if the name is already bound (the open_* calls are idempotent
// per name).
func (s *Server) OpenInetSocket(name string, port int) error {
	if name == "" {
		return ErrInvalidArgument
	}
	if _, ok := s.registry.lookup(name); ok {
		return ErrExists
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("multiserver: listen tcp :%d: %w", port, err)
	}
	svc := &Service{Name: name, listener: ln, state: stateListening}
	if err := s.registry.insert(svc); err != nil {
		ln.Close()
		return err
	}
	s.log.Info().Str("service", name).Str("addr", ln.Addr().String()).Msg("[service] inet socket listening")
	return nil
}

// OpenUnixSocket binds and listens on a Unix domain socket at path under
// name.
func (s *Server) OpenUnixSocket(name, path string) error {
	if name == "" || path == "" {
		return ErrInvalidArgument
	}
	if _, ok := s.registry.lookup(name); ok {
		return ErrExists
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("multiserver: listen unix %s: %w", path, err)
	}
	svc := &Service{Name: name, listener: ln, state: stateListening}
	if err := s.registry.insert(svc); err != nil {
		ln.Close()
		return err
	}
	s.log.Info().Str("service", name).Str("path", path).Msg("[service] unix socket listening")
	return nil
}

// Addr returns the listen address of the named service, for callers that
// bound port 0 and need the ephemeral port back.
func (s *Server) Addr(name string) (net.Addr, error) {
	svc, ok := s.registry.lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	return svc.listener.Addr(), nil
}

// RegisterService attaches a handler and dispatch flags to a previously
// opened socket. ErrNotFound if no Open*Socket ever ran for name;
// replaces the handler if the service is already registered.
func (s *Server) RegisterService(name string, handler Handler, flags ServiceFlags) error {
	if handler == nil {
		return ErrInvalidArgument
	}
	svc, ok := s.registry.lookup(name)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	svc.handler = handler
	svc.Flags = flags
	svc.state = stateHandled
	s.mu.Unlock()
	return nil
}

// RunServer builds parallel pollfd/service arrays from every
// handler-registered service and drives a poll(2)-based accept/dispatch
// loop until ctx is cancelled, the signal monitor interrupts it, or a
// listener reports POLLERR/POLLHUP/POLLNVAL.
func (s *Server) RunServer(ctx context.Context) error {
	services := s.runnableServices()
	if len(services) == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	for _, svc := range services {
		svc.state = stateRunning
	}
	s.mu.Unlock()

	// The pollfd and service slices are built once and stay index-aligned.
	fds := make([]unix.PollFd, 0, len(services))
	polled := make([]*Service, 0, len(services))
	for _, svc := range services {
		fd, err := rawFDImpl(svc.listener)
		if err != nil {
			s.log.Warn().Str("service", svc.Name).Err(err).Msg("[service] listener has no pollable fd, skipped")
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		polled = append(polled, svc)
	}
	if len(fds) == 0 {
		return ErrNotFound
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.interrupt:
			s.log.Info().Msg("[service] run loop interrupted by signal monitor")
			return nil
		default:
		}

		for i := range fds {
			fds[i].Revents = 0
		}
		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("multiserver: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				return fmt.Errorf("multiserver: listener %s: %w", polled[i].Name, errPollFailure)
			}
			if pfd.Revents&unix.POLLIN != 0 {
				s.acceptRequest(polled[i])
			}
		}
	}
}

// pollTimeoutMillis bounds each poll call so the loop can observe ctx
// cancellation and monitor interrupts between wakeups.
const pollTimeoutMillis = 1000

// RunService is the single-service variant: it loops acceptRequest
// directly on name's listener, no poll needed.
func (s *Server) RunService(ctx context.Context, name string) error {
	svc, ok := s.registry.lookup(name)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if svc.handler == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	svc.state = stateRunning
	s.mu.Unlock()

	type deadliner interface{ SetDeadline(time.Time) error }
	dl, hasDeadline := svc.listener.(deadliner)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.interrupt:
			s.log.Info().Str("service", name).Msg("[service] run loop interrupted by signal monitor")
			return nil
		default:
		}
		if hasDeadline {
			_ = dl.SetDeadline(time.Now().Add(500 * time.Millisecond))
		}
		conn, err := svc.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("multiserver: accept on %s: %w", name, err)
		}
		s.dispatch(svc, conn)
	}
}

func (s *Server) runnableServices() []*Service {
	all := s.registry.iterate()
	out := make([]*Service, 0, len(all))
	for _, svc := range all {
		s.mu.Lock()
		state := svc.state
		s.mu.Unlock()
		if state == stateHandled || state == stateRunning {
			out = append(out, svc)
		}
	}
	return out
}

func (s *Server) acceptRequest(svc *Service) {
	conn, err := svc.listener.Accept()
	if err != nil {
		return
	}
	s.dispatch(svc, conn)
}

// dispatch wraps the accepted connection in a Session and either submits
// the handler to the pool (ThreadedSessions) or runs it inline on the
// accept loop.
func (s *Server) dispatch(svc *Service, conn net.Conn) {
	sess := &Session{ID: uuid.NewString(), Service: svc, Conn: conn}
	s.log.Debug().
		Str("service", svc.Name).
		Str("session", sess.ID).
		Str("remote", conn.RemoteAddr().String()).
		Msg("[session] accepted")

	if svc.Flags&ThreadedSessions != 0 {
		err := s.pool.Submit(context.Background(), func(ctx context.Context) error {
			defer sess.Close()
			return svc.handler(sess)
		}, sess)
		if err != nil {
			s.log.Warn().Str("session", sess.ID).Err(err).Msg("[session] pool dispatch failed, dropping client")
			sess.Close()
		}
		return
	}

	func() {
		defer sess.Close()
		if err := svc.handler(sess); err != nil {
			s.log.Debug().Str("session", sess.ID).Err(err).Msg("[session] handler returned error")
		}
	}()
}

// Destroy stops the signal monitor, returns the monitored signals to the
// runtime's default handling, and tears down the pool and every registered
// listener.
// Idempotent: a second Destroy returns ErrInvalidArgument.
func (s *Server) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrInvalidArgument
	}
	s.destroyed = true
	s.mu.Unlock()

	s.stopMonitor()
	for _, svc := range s.registry.iterate() {
		if svc.listener != nil {
			svc.listener.Close()
		}
		s.registry.remove(svc.Name)
	}
	return s.pool.Destroy(threadpool.Graceful)
}
