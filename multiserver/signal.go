package multiserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hackstrix/steel-corepool/threadpool"
)

// One pool slot is LockThread-reserved and runs monitorLoop as a
// dedicated task. Real process signals are routed to it through
// os/signal.Notify; inside the pool they become the cooperative
// TokenStop/TokenWake tokens, so actual signals only exist at the
// process boundary.

// monitoredSignals is the set the monitor claims from the runtime's default
// dispositions while the server is alive. On Destroy, signal.Stop + Reset
// return these signals to the runtime's default handling; a Notify
// registration made elsewhere before the server started is not saved and
// is undone by the Reset as well.
var monitoredSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// startMonitor reserves a pool worker for the monitor and installs the
// dedicated monitorLoop task on it.
func (s *Server) startMonitor() error {
	s.sigCh = make(chan os.Signal, 8)
	signal.Notify(s.sigCh, monitoredSignals...)

	idx, err := s.pool.LockThread(context.Background())
	if err != nil {
		signal.Stop(s.sigCh)
		return fmt.Errorf("multiserver: reserve monitor worker: %w", err)
	}
	s.mu.Lock()
	s.monitorIdx = idx
	s.mu.Unlock()

	if err := s.pool.AddDedicated(idx, s.monitorLoop, nil); err != nil {
		signal.Stop(s.sigCh)
		return fmt.Errorf("multiserver: install monitor task: %w", err)
	}
	s.log.Info().Int("worker", idx).Msg("[monitor] signal monitor started")
	return nil
}

// monitorLoop runs on the reserved worker. On every delivered process
// signal it cancels all pool queue waits, delivers the cooperative wake
// token to every Running worker, interrupts the server's accept loop (the
// stand-in for waking the main thread in single-service inline mode), and
// refreshes Blocked workers. A TokenStop from Destroy ends the loop.
func (s *Server) monitorLoop(ctx context.Context) error {
	tokens := threadpool.SignalChan(ctx)
	for {
		select {
		case tok := <-tokens:
			if tok == threadpool.TokenStop {
				s.log.Debug().Msg("[monitor] stop token received")
				return nil
			}
		case sig := <-s.sigCh:
			s.log.Info().Str("signal", sig.String()).Msg("[monitor] process signal")
			_ = s.pool.CancelWait()
			_ = s.pool.SignalAll(threadpool.TokenWake)
			s.interruptRun()
			_ = s.pool.Refresh()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// interruptRun nudges RunServer/RunService to return. Non-blocking: if the
// slot is already occupied the loop has an interrupt pending anyway.
func (s *Server) interruptRun() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// stopMonitor delivers TokenStop to the monitor worker and releases the
// process signal routing claimed at startup.
func (s *Server) stopMonitor() {
	s.mu.Lock()
	idx := s.monitorIdx
	s.mu.Unlock()
	if idx >= 0 {
		_ = s.pool.Signal(idx, threadpool.TokenStop)
	}
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
	}
	signal.Reset(monitoredSignals...)
}
