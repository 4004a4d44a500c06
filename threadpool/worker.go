package threadpool

import (
	"context"
	"errors"
	"sync"

	"github.com/hackstrix/steel-corepool/cqueue"
)

// Status is a worker's lifecycle state. It is only mutated
// while the owning Worker's mutex is held.
type Status int

const (
	Stopped Status = iota
	Starting
	Idle
	Running
	Blocked
	Locked
	Destroying
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Locked:
		return "locked"
	case Destroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// WorkerType selects what the coordinator loop dispatches to once a worker
// leaves Stopped: the shared-queue loop, or a one-shot dedicated task.
type WorkerType int

const (
	Unspecified WorkerType = iota
	WorkerKind
	Dedicated
)

// Token is a cooperative signal delivered to a Running worker in place of
// a POSIX signal: a shutdown/wake token per worker rather than a
// pthread_kill. SignalChan recovers the channel a task's Action should
// select on to observe delivered tokens.
type Token int

const (
	// TokenWake is the generic cooperative interrupt (~CONTROL_2): it asks
	// a running task to notice it should check its context and unwind.
	TokenWake Token = iota
	// TokenStop (~CONTROL_1) asks a dedicated/monitor task to exit its loop
	// rather than continue waiting for more work.
	TokenStop
)

type tokenChanKey struct{}

// SignalChan returns the channel a task's Action can select on to observe
// Token values delivered via Pool.Signal/SignalAll while the task's worker
// is Running. Returns nil if ctx was not produced by the pool.
func SignalChan(ctx context.Context) <-chan Token {
	ch, _ := ctx.Value(tokenChanKey{}).(chan Token)
	return ch
}

// Task is an owned unit of work: an action plus an opaque argument.
// Action's result is recorded on the executing worker; the pool does not
// aggregate task results.
type Task struct {
	Action func(ctx context.Context) error
	Arg    any
}

// Worker is one lifecycle-tracked slot in the pool, identified by a stable
// Index. Each worker owns its own mutex and two condition variables.
type Worker struct {
	Index int

	mu       sync.Mutex
	status   Status
	kind     WorkerType
	lastErr  error
	current  *Task
	typeCond *sync.Cond
	errCond  *sync.Cond

	sigCh chan Token

	pool *Pool
}

func newWorker(idx int, p *Pool) *Worker {
	w := &Worker{
		Index:  idx,
		status: Stopped,
		kind:   Unspecified,
		sigCh:  make(chan Token, 1),
		pool:   p,
	}
	w.typeCond = sync.NewCond(&w.mu)
	w.errCond = sync.NewCond(&w.mu)
	return w
}

// Snapshot is an owned, point-in-time copy of a worker's externally
// visible state, returned by ThreadStatus/ThreadStatusAll.
type Snapshot struct {
	Index   int
	Status  Status
	Type    WorkerType
	LastErr error
}

func (w *Worker) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{Index: w.Index, Status: w.status, Type: w.kind, LastErr: w.lastErr}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) getStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// spawn starts the worker's coordinator goroutine, matching the
// "transition STOPPED into STARTING+kind and spawn" path used by New
// (Strict), StartNewThread and restart. LockThread does not use it: it
// moves a Stopped slot straight into Locked (see lockStopped). Only valid
// while no coordinator goroutine is alive for this slot (status Stopped).
func (w *Worker) spawn(kind WorkerType) {
	w.mu.Lock()
	w.status = Starting
	w.kind = kind
	w.lastErr = nil
	w.mu.Unlock()
	go w.run()
}

// run is the worker's coordinator. Outer loop:
// wait for a type assignment, dispatch to the matching loop, then either
// exit (Destroying), keep the slot reserved (Locked) and wait for the next
// assignment, or return the slot to Stopped.
func (w *Worker) run() {
	w.pool.log.Debug().Int("worker", w.Index).Msg("[worker] coordinator started")
	for {
		w.mu.Lock()
		for w.kind == Unspecified && !w.pool.isShutdown() {
			w.typeCond.Wait()
		}
		if w.pool.isShutdown() && w.kind == Unspecified {
			w.status = Destroying
			w.mu.Unlock()
			return
		}
		kind := w.kind
		w.mu.Unlock()

		switch kind {
		case WorkerKind:
			w.workerLoop()
		case Dedicated:
			w.dedicatedOnce()
		}

		w.mu.Lock()
		switch w.status {
		case Destroying:
			w.mu.Unlock()
			return
		case Locked:
			// Slot stays reserved for its caller; loop back and wait for
			// the next dedicated assignment or an UnlockThread. kind was
			// already reset to Unspecified together with the Locked
			// transition, so a racing AddDedicated is never clobbered here.
			w.mu.Unlock()
		default:
			w.status = Stopped
			w.kind = Unspecified
			w.mu.Unlock()
			return
		}
	}
}

// workerLoop is the WorkerKind dispatch loop: park on the shared queue's
// not-empty predicate, run tasks one at a time under the pool's running
// gate, and honor block_on_err. Forceful shutdown exits immediately;
// graceful drains the remaining queue first.
func (w *Worker) workerLoop() {
	w.setStatus(Idle)

	for {
		if w.pool.forcefulShutdown() {
			w.setStatus(Destroying)
			return
		}

		if empty, _ := w.pool.queue.IsEmpty(); empty && w.pool.isShutdown() {
			w.setStatus(Destroying)
			return
		}

		guard, err := w.pool.queue.WaitForNotEmpty(context.Background())
		if err != nil {
			if errors.Is(err, cqueue.ErrCancelRequested) {
				if w.pool.tryAcceptLockRequest(w) {
					return
				}
				continue
			}
			if w.pool.isShutdown() {
				w.setStatus(Destroying)
				return
			}
			// Queue destroyed out from under a live pool: exit the slot.
			w.setStatus(Stopped)
			return
		}

		if w.pool.forcefulShutdown() {
			guard.Unlock()
			w.setStatus(Destroying)
			return
		}

		task, ok, _ := guard.Dequeue()
		if ok {
			// Flip to Running before the queue lock drops so Pool.Wait can
			// never observe an empty queue while this task is still
			// invisible to the running check.
			w.setStatus(Running)
		}
		guard.Unlock()
		if !ok {
			continue
		}

		w.runTask(task)

		if w.blockedAfterErr() {
			w.waitForRestart()
			if w.getStatus() == Destroying {
				return
			}
		}
		w.setStatus(Idle)
	}
}

// runTask executes task.Action under the pool's running gate (a reader of
// Pool.runningSem) and records the result on the worker.
func (w *Worker) runTask(task *Task) {
	w.pool.acquireRunning()
	defer w.pool.releaseRunning()

	ctx := context.WithValue(w.pool.taskContext(), tokenChanKey{}, (chan Token)(w.sigCh))
	err := task.Action(ctx)

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	if err != nil {
		w.pool.log.Debug().Int("worker", w.Index).Err(err).Msg("[worker] task failed")
	}
}

// blockedAfterErr transitions the worker into Blocked if block_on_err is
// enabled and the last task failed; returns whether it did.
func (w *Worker) blockedAfterErr() bool {
	if !w.pool.attrs.BlockOnErr.enabled() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastErr == nil {
		return false
	}
	w.status = Blocked
	return true
}

// waitForRestart blocks on errCond until RestartThread clears the error, or
// the pool's Forceful shutdown wakes it directly; a Blocked worker does
// not need a prior RestartThread to observe shutdown.
func (w *Worker) waitForRestart() {
	done := make(chan struct{})
	go func() {
		select {
		case <-w.pool.forcefulCh:
			w.mu.Lock()
			if w.status == Blocked {
				w.status = Destroying
				w.errCond.Signal()
			}
			w.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	w.mu.Lock()
	for w.status == Blocked {
		w.errCond.Wait()
	}
	w.mu.Unlock()
}

// dedicatedOnce runs one dedicated assignment: execute the
// installed task once, record the result, then either Destroying (if
// shutdown was requested) or Locked (the slot stays reserved). kind is
// reset to Unspecified in the same critical section as the Locked
// transition so the coordinator's next wait cannot race a fresh
// AddDedicated.
func (w *Worker) dedicatedOnce() {
	w.mu.Lock()
	task := w.current
	w.status = Running
	w.mu.Unlock()

	ctx := context.WithValue(w.pool.taskContext(), tokenChanKey{}, (chan Token)(w.sigCh))
	var err error
	if task != nil {
		err = task.Action(ctx)
	}

	w.mu.Lock()
	w.lastErr = err
	w.current = nil
	if w.pool.isShutdown() {
		w.status = Destroying
	} else {
		w.status = Locked
		w.kind = Unspecified
	}
	w.mu.Unlock()
}

// restart clears a Blocked worker's error and wakes waitForRestart, or
// re-spawns a Stopped worker. Returns ErrAlreadyInState for any other
// status.
func (w *Worker) restart() error {
	w.mu.Lock()
	switch w.status {
	case Blocked:
		w.lastErr = nil
		w.status = Running
		w.mu.Unlock()
		w.errCond.Signal()
		return nil
	case Stopped:
		w.mu.Unlock()
		w.spawn(WorkerKind)
		return nil
	default:
		w.mu.Unlock()
		return ErrAlreadyInState
	}
}
