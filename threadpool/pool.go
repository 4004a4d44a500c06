// Package threadpool implements a fixed-capacity worker pool over a
// bounded task queue (cqueue.Queue): lifecycle-tracked workers, dedicated
// long-lived worker slots, graceful/forceful shutdown, and cooperative
// thread signaling.
package threadpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/hackstrix/steel-corepool/cqueue"
)

// ShutdownFlag selects how Destroy tears the pool down.
type ShutdownFlag int

const (
	none ShutdownFlag = iota
	Graceful
	Forceful
)

func (f ShutdownFlag) String() string {
	switch f {
	case Graceful:
		return "graceful"
	case Forceful:
		return "forceful"
	default:
		return "none"
	}
}

// Pool is a fixed-capacity set of workers draining a shared, bounded task
// queue. Construct with New; tear down with Destroy.
type Pool struct {
	attrs Attrs
	log   zerolog.Logger
	queue *cqueue.Queue[*Task]

	workers []*Worker

	mu            sync.Mutex
	lockRequested bool
	lockedIdx     int
	lockCond      *sync.Cond
	shutdownFlag  ShutdownFlag

	runningSem *semaphore.Weighted

	ctx        context.Context
	cancel     context.CancelFunc
	forcefulCh chan struct{}
}

// New creates a Pool. Under Strict thread_creation every worker is spawned
// up front; spawning a worker goroutine cannot fail, so New returns an
// error only when attrs fail validation. Under Lazy, no workers are
// spawned until Submit or LockThread needs one.
func New(attrs Attrs) (*Pool, error) {
	if err := attrs.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		attrs:      attrs,
		log:        attrs.Logger,
		queue:      cqueue.New[*Task](attrs.QueueSize, nil),
		lockedIdx:  -1,
		runningSem: semaphore.NewWeighted(int64(attrs.ThreadCount)),
		ctx:        ctx,
		cancel:     cancel,
		forcefulCh: make(chan struct{}),
	}
	p.lockCond = sync.NewCond(&p.mu)

	p.workers = make([]*Worker, attrs.ThreadCount)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p)
	}

	if attrs.ThreadCreation == Strict {
		for _, w := range p.workers {
			w.spawn(WorkerKind)
		}
	}

	p.log.Info().
		Int("threads", attrs.ThreadCount).
		Int("queue", attrs.QueueSize).
		Str("creation", attrs.ThreadCreation.String()).
		Msg("[pool] created")
	return p, nil
}

func (p *Pool) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdownFlag != none
}

func (p *Pool) forcefulShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdownFlag == Forceful
}

// taskContext returns the context passed to every task's Action. It is
// cancelled when Destroy(Forceful) runs, giving cooperative tasks a signal
// to unwind beyond the Token channel.
func (p *Pool) taskContext() context.Context { return p.ctx }

func (p *Pool) acquireRunning() { _ = p.runningSem.Acquire(context.Background(), 1) }
func (p *Pool) releaseRunning() { p.runningSem.Release(1) }

// Submit enqueues a task, blocking according to BlockOnAdd/TimedWait, and
// (under Lazy creation) opportunistically starts a worker to pick it up.
func (p *Pool) Submit(ctx context.Context, action func(context.Context) error, arg any) error {
	if p.isShutdown() {
		return ErrInterrupted
	}
	task := &Task{Action: action, Arg: arg}

	if !p.attrs.BlockOnAdd.enabled() {
		if err := p.queue.Enqueue(task); err != nil {
			if errors.Is(err, cqueue.ErrOverflow) {
				return ErrOverflow
			}
			return translateQueueErr(err)
		}
	} else {
		waitCtx := ctx
		if p.attrs.TimedWait.enabled() {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, p.attrs.Timeout)
			defer cancel()
		}
		guard, err := p.queue.WaitForNotFull(waitCtx)
		if err != nil {
			return translateQueueErr(err)
		}
		_ = guard.Enqueue(task)
		if uerr := guard.Unlock(); uerr != nil {
			return translateQueueErr(uerr)
		}
	}

	if p.attrs.ThreadCreation == Lazy {
		_ = p.StartNewThread()
	}
	return nil
}

// SubmitTimed is Submit with an explicit per-call deadline. timeout <= 0
// behaves exactly like the untimed Submit.
func (p *Pool) SubmitTimed(ctx context.Context, action func(context.Context) error, arg any, timeout time.Duration) error {
	if timeout <= 0 {
		return p.Submit(ctx, action, arg)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Submit(tctx, action, arg)
}

// StartNewThread scans workers for one already Starting (nudge its type),
// else one Stopped (spawn it), else does nothing if an Idle worker exists
// (it will pick the task up on its own). Returns ErrResourceExhausted if no
// action could be taken.
func (p *Pool) StartNewThread() error {
	for _, w := range p.workers {
		w.mu.Lock()
		if w.status == Starting {
			w.kind = WorkerKind
			w.mu.Unlock()
			w.typeCond.Signal()
			return nil
		}
		w.mu.Unlock()
	}
	for _, w := range p.workers {
		w.mu.Lock()
		if w.status == Stopped {
			w.mu.Unlock()
			w.spawn(WorkerKind)
			return nil
		}
		w.mu.Unlock()
	}
	for _, w := range p.workers {
		if w.getStatus() == Idle {
			return nil
		}
	}
	return ErrResourceExhausted
}

const lockWaitTimeout = 5 * time.Second

// LockThread reserves a worker slot for dedicated use and returns its
// index. Under Strict, it prefers an Idle worker (requesting it via
// cancel_wait + a bounded wait on lockCond), falling back to spawning a
// Stopped worker directly into Locked. Under Lazy it tries Stopped first,
// then Idle.
func (p *Pool) LockThread(ctx context.Context) (int, error) {
	if p.isShutdown() {
		return -1, ErrInterrupted
	}

	if p.attrs.ThreadCreation == Lazy {
		if idx, ok := p.lockStopped(); ok {
			return idx, nil
		}
		if idx, ok := p.requestIdleLock(ctx); ok {
			return idx, nil
		}
		return -1, ErrResourceExhausted
	}

	if idx, ok := p.requestIdleLock(ctx); ok {
		return idx, nil
	}
	if idx, ok := p.lockStopped(); ok {
		return idx, nil
	}
	return -1, ErrResourceExhausted
}

// lockStopped reserves a Stopped slot by moving it straight into Locked and
// starting a coordinator for it. The coordinator parks on typeCond until
// AddDedicated assigns it work.
func (p *Pool) lockStopped() (int, bool) {
	for _, w := range p.workers {
		w.mu.Lock()
		if w.status == Stopped {
			w.status = Locked
			w.kind = Unspecified
			w.lastErr = nil
			w.mu.Unlock()
			go w.run()
			p.log.Debug().Int("worker", w.Index).Msg("[pool] stopped worker locked")
			return w.Index, true
		}
		w.mu.Unlock()
	}
	return -1, false
}

// requestIdleLock sets lock_requested, broadcasts cancel_wait on the queue
// so any parked worker re-checks the flag, then waits up to
// lockWaitTimeout for tryAcceptLockRequest to record a winner.
func (p *Pool) requestIdleLock(ctx context.Context) (int, bool) {
	p.mu.Lock()
	p.lockRequested = true
	p.lockedIdx = -1
	p.mu.Unlock()

	_ = p.queue.CancelWait()

	timer := time.AfterFunc(lockWaitTimeout, p.lockCond.Broadcast)
	defer timer.Stop()

	deadline := time.Now().Add(lockWaitTimeout)
	p.mu.Lock()
	for p.lockedIdx == -1 && time.Now().Before(deadline) {
		p.lockCond.Wait()
	}
	idx := p.lockedIdx
	p.lockRequested = false
	p.mu.Unlock()

	if idx == -1 {
		return -1, false
	}
	return idx, true
}

// tryAcceptLockRequest is called by an idle worker that woke from
// WaitForNotEmpty with ErrCancelRequested. If a lock is requested, it wins
// the slot, records itself, and signals lockCond.
func (p *Pool) tryAcceptLockRequest(w *Worker) bool {
	p.mu.Lock()
	if !p.lockRequested || p.lockedIdx != -1 {
		p.mu.Unlock()
		return false
	}
	p.lockedIdx = w.Index
	p.lockRequested = false
	p.mu.Unlock()

	w.mu.Lock()
	w.status = Locked
	w.kind = Unspecified
	w.mu.Unlock()

	p.mu.Lock()
	p.lockCond.Broadcast()
	p.mu.Unlock()
	p.log.Debug().Int("worker", w.Index).Msg("[pool] idle worker locked")
	return true
}

// UnlockThread releases a Locked worker back to the coordinator, which
// will re-enter Starting and await a fresh type assignment.
func (p *Pool) UnlockThread(idx int) error {
	w, err := p.worker(idx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.status != Locked {
		w.mu.Unlock()
		return ErrInvalidArgument
	}
	w.status = Starting
	w.kind = Unspecified
	w.mu.Unlock()
	p.log.Debug().Int("worker", w.Index).Msg("[pool] worker unlocked")
	return nil
}

// AddDedicated installs a task on a Locked worker and hands it to the
// slot's parked coordinator.
func (p *Pool) AddDedicated(idx int, action func(context.Context) error, arg any) error {
	if action == nil {
		return ErrInvalidArgument
	}
	w, err := p.worker(idx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.status != Locked {
		w.mu.Unlock()
		return ErrInvalidArgument
	}
	w.current = &Task{Action: action, Arg: arg}
	w.kind = Dedicated
	w.mu.Unlock()
	w.typeCond.Signal()
	return nil
}

func (p *Pool) worker(idx int) (*Worker, error) {
	if idx < 0 || idx >= len(p.workers) {
		return nil, ErrInvalidArgument
	}
	return p.workers[idx], nil
}

// ThreadStatus returns a snapshot of one worker's externally visible state.
func (p *Pool) ThreadStatus(idx int) (Snapshot, error) {
	w, err := p.worker(idx)
	if err != nil {
		return Snapshot{}, err
	}
	return w.snapshot(), nil
}

// ThreadStatusAll returns a snapshot of every worker.
func (p *Pool) ThreadStatusAll() []Snapshot {
	out := make([]Snapshot, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.snapshot()
	}
	return out
}

// RestartThread restarts a Blocked worker (clearing its error) or
// respawns a Stopped one. Returns ErrAlreadyInState for a running worker.
func (p *Pool) RestartThread(idx int) error {
	w, err := p.worker(idx)
	if err != nil {
		return err
	}
	return w.restart()
}

// Refresh restarts every eligible worker. Under Strict, both Stopped and
// Blocked workers are restarted; under Lazy only Blocked ones are (a
// Stopped worker under Lazy is intentionally left alone until Submit or
// LockThread needs it).
func (p *Pool) Refresh() error {
	for _, w := range p.workers {
		st := w.getStatus()
		if st == Blocked {
			_ = w.restart()
			continue
		}
		if st == Stopped && p.attrs.ThreadCreation == Strict {
			_ = w.restart()
		}
	}
	return nil
}

// Wait blocks until the task queue drains and no worker is Running. A
// Dedicated worker (the server's signal monitor lives on one) is not a
// pool task and is not waited on.
func (p *Pool) Wait(ctx context.Context) error {
	for {
		guard, err := p.queue.WaitForEmpty(ctx)
		if err != nil {
			return translateQueueErr(err)
		}
		guard.Unlock()

		if err := p.runningSem.Acquire(ctx, int64(p.attrs.ThreadCount)); err != nil {
			return translateQueueErr(err)
		}
		empty, _ := p.queue.IsEmpty()
		running := false
		for _, w := range p.workers {
			st := w.snapshot()
			if st.Status == Running && st.Type == WorkerKind {
				running = true
				break
			}
		}
		p.runningSem.Release(int64(p.attrs.ThreadCount))
		if empty && !running {
			return nil
		}
		// A worker flipped to Running between the queue draining and the
		// gate acquisition; the released gate lets it proceed, then the
		// next full-weight acquire waits it out.
	}
}

// WaitTimed is Wait bounded by timeout. timeout <= 0 behaves exactly like
// the untimed Wait.
func (p *Pool) WaitTimed(timeout time.Duration) error {
	if timeout <= 0 {
		return p.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Wait(ctx)
}

// CancelWait unblocks any in-progress Wait/queue waits with
// ErrCancelRequested.
func (p *Pool) CancelWait() error {
	return translateQueueErr(p.queue.CancelWait())
}

// Signal delivers tok to worker idx if it is currently Running.
func (p *Pool) Signal(idx int, tok Token) error {
	w, err := p.worker(idx)
	if err != nil {
		return err
	}
	if w.getStatus() != Running {
		return nil
	}
	select {
	case w.sigCh <- tok:
	default:
	}
	return nil
}

// SignalAll delivers tok to every Running worker.
func (p *Pool) SignalAll(tok Token) error {
	for _, w := range p.workers {
		_ = p.Signal(w.Index, tok)
	}
	return nil
}

// Destroy tears the pool down. Graceful waits for in-flight work to drain
// first; Forceful cuts workers loose immediately. Either way, every
// worker's coordinator goroutine is asked to exit and the queue is torn
// down.
func (p *Pool) Destroy(flag ShutdownFlag) error {
	if flag != Graceful && flag != Forceful {
		return ErrInvalidArgument
	}
	if p.isShutdown() {
		return ErrInvalidArgument
	}

	if flag == Graceful {
		_ = p.Wait(context.Background())
	}

	p.mu.Lock()
	p.shutdownFlag = flag
	p.mu.Unlock()

	if flag == Forceful {
		close(p.forcefulCh)
		p.cancel()
	}

	_ = p.queue.CancelWait()

	for _, w := range p.workers {
		// Blocked workers hold no queue wait to cancel; wake them on the
		// error cond directly so the slot can wind down.
		w.mu.Lock()
		if w.status == Blocked {
			w.status = Destroying
			w.errCond.Signal()
		}
		w.mu.Unlock()
		w.typeCond.Signal()
	}

	if flag == Graceful {
		p.cancel()
	}

	_ = p.queue.Destroy()
	p.log.Info().Str("flag", flag.String()).Msg("[pool] destroyed")
	return nil
}

// translateQueueErr maps a cqueue sentinel onto the matching threadpool
// sentinel; context errors and anything unrecognized pass through.
func translateQueueErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cqueue.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return ErrTimedOut
	case errors.Is(err, cqueue.ErrInterrupted):
		return ErrInterrupted
	case errors.Is(err, cqueue.ErrCancelRequested):
		return ErrCancelRequested
	case errors.Is(err, cqueue.ErrOverflow):
		return ErrOverflow
	case errors.Is(err, cqueue.ErrUnsupported), errors.Is(err, cqueue.ErrInvalidArgument), errors.Is(err, cqueue.ErrDeadlock), errors.Is(err, cqueue.ErrPermission):
		return ErrInvalidArgument
	case errors.Is(err, context.Canceled):
		return ErrInterrupted
	default:
		return err
	}
}
