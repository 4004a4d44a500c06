package threadpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForStatus polls a worker's snapshot until it reaches want or the
// deadline passes. Status transitions are asynchronous, so tests observe
// them the same way callers do: through snapshots.
func waitForStatus(t *testing.T, p *Pool, idx int, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := p.ThreadStatus(idx)
		require.NoError(t, err)
		if st.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := p.ThreadStatus(idx)
	t.Fatalf("worker %d never reached %s (stuck at %s)", idx, want, st.Status)
}

func TestNewValidatesAttrs(t *testing.T) {
	_, err := New(NewAttrs(WithThreadCount(0)))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(NewAttrs(WithQueueSize(0)))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(NewAttrs(WithThreadCount(MaxThreads + 1)))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStrictSpawnsAllWorkers(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(3)))
	require.NoError(t, err)
	defer p.Destroy(Graceful)

	for i := 0; i < 3; i++ {
		waitForStatus(t, p, i, Idle)
	}
}

func TestLazySpawnsOnSubmit(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(2), WithThreadCreation(Lazy)))
	require.NoError(t, err)
	defer p.Destroy(Graceful)

	for _, st := range p.ThreadStatusAll() {
		assert.Equal(t, Stopped, st.Status)
	}

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	}, nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lazily spawned worker never ran the task")
	}
}

func TestGracefulShutdownRunsEverything(t *testing.T) {
	p, err := New(NewAttrs(
		WithThreadCount(4),
		WithQueueSize(10),
		WithBlockOnAdd(Enabled),
	))
	require.NoError(t, err)

	var mu sync.Mutex
	counter := 0
	for i := 0; i < 14; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			counter++
			mu.Unlock()
			return nil
		}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, p.Wait(context.Background()))

	mu.Lock()
	got := counter
	mu.Unlock()
	assert.Equal(t, 14, got)

	// After a successful Wait, no worker is Running.
	for _, st := range p.ThreadStatusAll() {
		assert.NotEqual(t, Running, st.Status)
	}

	require.NoError(t, p.Destroy(Graceful))
}

func TestForcefulShutdownCutsTasksShort(t *testing.T) {
	p, err := New(NewAttrs(
		WithThreadCount(4),
		WithQueueSize(20),
		WithBlockOnAdd(Enabled),
	))
	require.NoError(t, err)

	var mu sync.Mutex
	counter := 0
	started := make(chan struct{}, 14)
	for i := 0; i < 14; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			started <- struct{}{}
			select {
			case <-time.After(30 * time.Second):
				mu.Lock()
				counter++
				mu.Unlock()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, nil)
		require.NoError(t, err)
	}

	// Let at least one task begin before cutting the pool loose.
	<-started
	require.NoError(t, p.Destroy(Forceful))

	mu.Lock()
	got := counter
	mu.Unlock()
	assert.Less(t, got, 14)

	// Further submissions are refused.
	err = p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestSubmitOverflowNonBlocking(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1), WithQueueSize(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}, nil))
	<-running

	// Worker is busy; one slot in the queue.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil))
	err = p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrOverflow)

	close(release)
}

func TestSubmitTimedBlocking(t *testing.T) {
	p, err := New(NewAttrs(
		WithThreadCount(1),
		WithQueueSize(1),
		WithBlockOnAdd(Enabled),
		WithTimedWait(Enabled, 50*time.Millisecond),
	))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}, nil))
	<-running
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil))

	start := time.Now()
	err = p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	close(release)
}

func TestSubmitTimedExplicitDeadline(t *testing.T) {
	p, err := New(NewAttrs(
		WithThreadCount(1),
		WithQueueSize(1),
		WithBlockOnAdd(Enabled),
	))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}, nil))
	<-running
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil))

	err = p.SubmitTimed(context.Background(), func(ctx context.Context) error { return nil }, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)

	close(release)
}

func TestWaitTimed(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}, nil))
	<-running

	assert.ErrorIs(t, p.WaitTimed(50*time.Millisecond), ErrTimedOut)

	close(release)
	require.NoError(t, p.WaitTimed(5*time.Second))
}

func TestBlockOnErrAndRestart(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1), WithBlockOnErr(Enabled)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	boom := errors.New("boom")
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return boom
	}, nil))

	waitForStatus(t, p, 0, Blocked)

	st, err := p.ThreadStatus(0)
	require.NoError(t, err)
	assert.ErrorIs(t, st.LastErr, boom)

	require.NoError(t, p.RestartThread(0))
	waitForStatus(t, p, 0, Idle)

	st, err = p.ThreadStatus(0)
	require.NoError(t, err)
	assert.NoError(t, st.LastErr)

	// The unblocked worker keeps serving the queue.
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	}, nil))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never recovered after restart")
	}
}

func TestRestartRunningIsAlreadyInState(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}, nil))
	<-running

	assert.ErrorIs(t, p.RestartThread(0), ErrAlreadyInState)
	close(release)
}

func TestLockThreadDedicatedAndUnlock(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(2)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	waitForStatus(t, p, 0, Idle)
	waitForStatus(t, p, 1, Idle)

	idx, err := p.LockThread(context.Background())
	require.NoError(t, err)
	waitForStatus(t, p, idx, Locked)

	ran := make(chan struct{})
	require.NoError(t, p.AddDedicated(idx, func(ctx context.Context) error {
		close(ran)
		return nil
	}, nil))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dedicated task never ran")
	}

	// After the dedicated run the slot returns to Locked, still reserved.
	waitForStatus(t, p, idx, Locked)

	// A second dedicated assignment reuses the same slot.
	again := make(chan struct{})
	require.NoError(t, p.AddDedicated(idx, func(ctx context.Context) error {
		close(again)
		return nil
	}, nil))
	select {
	case <-again:
	case <-time.After(5 * time.Second):
		t.Fatal("second dedicated task never ran")
	}
	waitForStatus(t, p, idx, Locked)

	require.NoError(t, p.UnlockThread(idx))
	waitForStatus(t, p, idx, Starting)

	// start_new_thread hands the starting slot back to the shared queue.
	require.NoError(t, p.StartNewThread())
	waitForStatus(t, p, idx, Idle)

	st, err := p.ThreadStatus(idx)
	require.NoError(t, err)
	assert.Equal(t, idx, st.Index)
}

func TestAddDedicatedRequiresLockedWorker(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	waitForStatus(t, p, 0, Idle)
	err = p.AddDedicated(0, func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = p.AddDedicated(7, func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLockThreadLazyPrefersStopped(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(2), WithThreadCreation(Lazy)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	idx, err := p.LockThread(context.Background())
	require.NoError(t, err)
	waitForStatus(t, p, idx, Locked)

	ran := make(chan struct{})
	require.NoError(t, p.AddDedicated(idx, func(ctx context.Context) error {
		close(ran)
		return nil
	}, nil))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dedicated task on lazily locked worker never ran")
	}
}

func TestSignalDelivery(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	got := make(chan Token, 1)
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		select {
		case tok := <-SignalChan(ctx):
			got <- tok
		case <-time.After(5 * time.Second):
		}
		return nil
	}, nil))
	<-running

	require.NoError(t, p.SignalAll(TokenWake))
	select {
	case tok := <-got:
		assert.Equal(t, TokenWake, tok)
	case <-time.After(5 * time.Second):
		t.Fatal("running task never observed the token")
	}
}

func TestSignalSkipsNonRunningWorkers(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	waitForStatus(t, p, 0, Idle)
	// Idle worker: the token is simply not delivered, no error.
	require.NoError(t, p.Signal(0, TokenWake))

	assert.ErrorIs(t, p.Signal(9, TokenWake), ErrInvalidArgument)
}

func TestCancelWaitUnblocksPoolWait(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1), WithQueueSize(4)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}, nil))
	<-running
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }, nil))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Wait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.CancelWait())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelRequested)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait never observed cancel_wait")
	}

	close(release)
}

func TestRefreshRestartsBlockedWorkers(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(2), WithBlockOnErr(Enabled)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("fail")
	}, nil))

	// One of the two workers ends up Blocked; find it.
	var blocked int = -1
	deadline := time.Now().Add(5 * time.Second)
	for blocked == -1 && time.Now().Before(deadline) {
		for _, st := range p.ThreadStatusAll() {
			if st.Status == Blocked {
				blocked = st.Index
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.NotEqual(t, -1, blocked, "no worker ever blocked")

	require.NoError(t, p.Refresh())
	waitForStatus(t, p, blocked, Idle)
}

func TestThreadStatusValidation(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)
	defer p.Destroy(Forceful)

	_, err = p.ThreadStatus(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.ThreadStatus(1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	all := p.ThreadStatusAll()
	require.Len(t, all, 1)
	assert.Equal(t, 0, all[0].Index)
}

func TestDestroyValidatesFlag(t *testing.T) {
	p, err := New(NewAttrs(WithThreadCount(1)))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Destroy(ShutdownFlag(99)), ErrInvalidArgument)
	require.NoError(t, p.Destroy(Graceful))
	assert.ErrorIs(t, p.Destroy(Graceful), ErrInvalidArgument)
}
