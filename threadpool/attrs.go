package threadpool

import (
	"time"

	"github.com/rs/zerolog"
)

// ThreadCreation selects whether workers are all spawned up front (Strict)
// or spawned lazily on demand by Submit/LockThread (Lazy).
type ThreadCreation int

const (
	Strict ThreadCreation = iota
	Lazy
)

func (c ThreadCreation) String() string {
	if c == Lazy {
		return "lazy"
	}
	return "strict"
}

// CancelType mirrors the POSIX ASYNC/DEFERRED cancellation modes. Go has
// no asynchronous cancellation: a Forceful shutdown cancels every task's
// context and the task unwinds at its next cooperative check, which is
// deferred cancellation. Async is accepted and recorded but behaves
// identically.
type CancelType int

const (
	Deferred CancelType = iota
	Async
)

// Toggle is an enabled/disabled switch.
type Toggle int

const (
	Disabled Toggle = iota
	Enabled
)

func (t Toggle) enabled() bool { return t == Enabled }

const (
	DefaultThreads = 4
	DefaultQueue   = 16
	DefaultWait    = 5 * time.Second
	MaxThreads     = 1024
)

// Attrs is the immutable configuration bundle consumed by New. Build one
// with NewAttrs and a chain of Option funcs.
type Attrs struct {
	ThreadCount    int
	QueueSize      int
	CancelType     CancelType
	TimedWait      Toggle
	Timeout        time.Duration
	BlockOnAdd     Toggle
	BlockOnErr     Toggle
	ThreadCreation ThreadCreation

	// Logger receives the pool's lifecycle events. Defaults to a no-op
	// logger; the demo binary passes a console writer.
	Logger zerolog.Logger
}

// Option mutates an Attrs under construction.
type Option func(*Attrs)

// NewAttrs builds an Attrs with defaults, then applies opts.
func NewAttrs(opts ...Option) Attrs {
	a := Attrs{
		ThreadCount:    DefaultThreads,
		QueueSize:      DefaultQueue,
		CancelType:     Deferred,
		TimedWait:      Disabled,
		Timeout:        DefaultWait,
		BlockOnAdd:     Disabled,
		BlockOnErr:     Disabled,
		ThreadCreation: Strict,
		Logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

func WithThreadCount(n int) Option { return func(a *Attrs) { a.ThreadCount = n } }
func WithQueueSize(n int) Option   { return func(a *Attrs) { a.QueueSize = n } }
func WithCancelType(c CancelType) Option {
	return func(a *Attrs) { a.CancelType = c }
}
func WithTimedWait(t Toggle, timeout time.Duration) Option {
	return func(a *Attrs) {
		a.TimedWait = t
		if timeout > 0 {
			a.Timeout = timeout
		}
	}
}
func WithBlockOnAdd(t Toggle) Option        { return func(a *Attrs) { a.BlockOnAdd = t } }
func WithBlockOnErr(t Toggle) Option        { return func(a *Attrs) { a.BlockOnErr = t } }
func WithThreadCreation(c ThreadCreation) Option {
	return func(a *Attrs) { a.ThreadCreation = c }
}
func WithLogger(l zerolog.Logger) Option { return func(a *Attrs) { a.Logger = l } }

func (a Attrs) validate() error {
	if a.ThreadCount < 1 || a.ThreadCount > MaxThreads {
		return ErrInvalidArgument
	}
	if a.QueueSize < 1 {
		return ErrInvalidArgument
	}
	return nil
}
