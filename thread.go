package coreobject

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-coreobject/internal/goroutineid"
	"github.com/joeycumines/go-coreobject/internal/ingress"
)

// Executor is the capability the lifecycle protocol needs from the core
// thread: an identity check, and a FIFO command sink.
//
// Implemented by [Thread] (a real, dedicated goroutine) and [ManualThread]
// (drained synchronously, for tests or for embedding in a foreign loop).
type Executor interface {
	// IsCoreThread reports whether the caller is currently executing as the
	// core thread.
	IsCoreThread() bool

	// QueueCommand appends a command to the core thread's queue. It must not
	// block on the command's execution. Commands execute one at a time, in
	// submission order.
	QueueCommand(command func()) error
}

// Thread is the core thread: a single goroutine, locked to its OS thread,
// executing queued commands strictly in submission order.
//
// A command that panics is fatal: the thread stops (remaining commands are
// dropped), and Run returns a [*CommandPanicError].
type Thread struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	opts   *threadOptions
	logger *logiface.Logger[logiface.Event]

	// onTerminate is called once the thread reaches ThreadTerminated, by
	// whichever goroutine got it there. Guarded by mu.
	onTerminate func()

	// wake is signaled (non-blocking, cap 1) when a command is queued while
	// the thread sleeps, or when termination is requested.
	wake chan struct{}

	// done is closed once the thread has terminated.
	done chan struct{}

	err error // guarded by mu, terminal failure

	state threadState

	// mu guards queue and the transition to ThreadTerminated, which is what
	// makes QueueCommand and the final drain agree.
	mu      sync.Mutex
	queue   ingress.Queue
	started bool // guarded by mu

	goroutineID atomic.Uint64
	osThreadID  atomic.Int64
	executed    atomic.Uint64

	// closing requests termination without draining.
	closing atomic.Bool
}

var _ Executor = (*Thread)(nil)

// NewThread creates a core thread. It does nothing until Run is called.
func NewThread(opts ...ThreadOption) (*Thread, error) {
	cfg, err := resolveThreadOptions(opts)
	if err != nil {
		return nil, err
	}
	return newThread(cfg), nil
}

func newThread(cfg *threadOptions) *Thread {
	return &Thread{
		opts:   cfg,
		logger: cfg.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run runs the core thread, and blocks until it terminates, via Shutdown,
// Close, ctx cancellation, or a panicking command.
//
// Cancelling ctx still drains every queued command before returning
// ctx.Err(): queued lifecycle commands are never discarded.
// To run in a separate goroutine, use: `go thread.Run(ctx)`.
func (t *Thread) Run(ctx context.Context) error {
	if t.IsCoreThread() {
		return ErrReentrantRun
	}

	t.mu.Lock()
	switch {
	case t.state.Load() == ThreadTerminated:
		t.mu.Unlock()
		return ErrThreadTerminated
	case t.started:
		t.mu.Unlock()
		return ErrThreadAlreadyRunning
	}
	t.started = true
	// a Shutdown before Run leaves the thread ThreadTerminating
	t.state.TryTransition(ThreadAwake, ThreadRunning)
	t.mu.Unlock()

	err := t.run(ctx)

	t.mu.Lock()
	t.err = err
	fn := t.onTerminate
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
	close(t.done)

	return err
}

// run is the core thread's main loop.
func (t *Thread) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.goroutineID.Store(goroutineid.Current())
	defer t.goroutineID.Store(0)
	t.osThreadID.Store(int64(goroutineid.OSThread()))

	t.logger.Info().
		Str(logKeyCategory, categoryThread).
		Int64("os_thread", t.osThreadID.Load()).
		Log("core thread started")

	buf := make([]func(), t.opts.batch)
	for {
		if t.closing.Load() {
			t.closeNow(0)
			return nil
		}

		t.mu.Lock()
		n := t.queue.PopBatch(buf)
		if n == 0 {
			if t.state.Load() == ThreadTerminating || ctx.Err() != nil {
				t.state.Store(ThreadTerminated)
				t.mu.Unlock()
				break
			}
			t.state.TryTransition(ThreadRunning, ThreadSleeping)
			t.mu.Unlock()

			select {
			case <-t.wake:
			case <-ctx.Done():
			}
			t.state.TryTransition(ThreadSleeping, ThreadRunning)
			continue
		}
		t.mu.Unlock()

		for i := 0; i < n; i++ {
			command := buf[i]
			buf[i] = nil
			if err := t.execute(command); err != nil {
				clear(buf[i+1 : n])
				dropped := t.terminateNow() + (n - i - 1)
				t.logger.Crit().
					Str(logKeyCategory, categoryThread).
					Int("dropped", dropped).
					Err(err).
					Logf("core thread command panicked, terminating\n%s", err.Stack)
				return err
			}
			if t.closing.Load() {
				clear(buf[i+1 : n])
				t.closeNow(n - i - 1)
				return nil
			}
		}
	}

	t.logger.Info().
		Str(logKeyCategory, categoryThread).
		Uint64("executed", t.executed.Load()).
		Log("core thread stopped")

	return ctx.Err()
}

// terminateNow drops everything still queued, and marks the thread
// terminated. Returns the number of dropped commands.
func (t *Thread) terminateNow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Store(ThreadTerminated)
	return t.queue.Clear()
}

// closeNow terminates on behalf of Close, extra being the number of commands
// already moved out of the queue that will not run.
func (t *Thread) closeNow(extra int) {
	if dropped := t.terminateNow() + extra; dropped > 0 {
		t.logger.Warning().
			Str(logKeyCategory, categoryThread).
			Int("dropped", dropped).
			Log("core thread closed with queued commands")
	}
}

// execute runs a single command, converting a panic into an error.
func (t *Thread) execute(command func()) (err *CommandPanicError) {
	var start time.Time
	if t.opts.latency != nil {
		start = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &CommandPanicError{Value: r, Stack: debug.Stack()}
		}
		t.executed.Add(1)
		if t.opts.latency != nil {
			t.opts.latency.Observe(time.Since(start).Seconds())
		}
	}()
	command()
	return nil
}

// QueueCommand appends a command to the queue. It never waits for the core
// thread, and is safe to call from any goroutine, including the core thread
// itself (the command then runs after the current one).
//
// State Policy:
//   - ThreadTerminated: returns ErrThreadTerminated
//   - ThreadTerminating: ALLOWS submission (drained before termination)
//   - ThreadAwake: ALLOWS submission (runs once Run is called)
func (t *Thread) QueueCommand(command func()) error {
	if command == nil {
		return nil
	}

	t.mu.Lock()
	if !t.state.CanAcceptWork() {
		t.mu.Unlock()
		return ErrThreadTerminated
	}
	t.queue.Push(command)
	sleeping := t.state.Load() == ThreadSleeping
	t.mu.Unlock()

	if sleeping {
		t.signal()
	}
	return nil
}

func (t *Thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// IsCoreThread reports whether the caller is the core thread goroutine.
func (t *Thread) IsCoreThread() bool {
	id := t.goroutineID.Load()
	if id == 0 {
		return false
	}
	return goroutineid.Current() == id
}

// Shutdown requests termination, and blocks until every queued command
// (including commands queued by those commands) has executed, or ctx is done.
//
// A thread that has not been run yet is drained once Run is called.
// Called from the core thread, Shutdown only requests termination.
func (t *Thread) Shutdown(ctx context.Context) error {
	t.requestTermination(true)
	if t.IsCoreThread() {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the thread after the currently executing command,
// dropping anything still queued, and waits for it to stop. A thread that has
// not been run terminates immediately.
func (t *Thread) Close() error {
	if t.state.Load() == ThreadTerminated {
		return ErrThreadTerminated
	}
	t.closing.Store(true)
	t.requestTermination(false)
	if !t.IsCoreThread() {
		<-t.done
	}
	return nil
}

// requestTermination moves the thread towards ThreadTerminated. Unless
// draining, a thread that was never run is terminated on the spot.
func (t *Thread) requestTermination(drain bool) {
	t.mu.Lock()
	if !t.started {
		current := t.state.Load()
		if current == ThreadTerminated {
			t.mu.Unlock()
			return
		}
		if drain {
			t.state.Store(ThreadTerminating)
			t.mu.Unlock()
			return
		}
		t.state.Store(ThreadTerminated)
		dropped := t.queue.Clear()
		fn := t.onTerminate
		t.mu.Unlock()
		if dropped > 0 {
			t.logger.Warning().
				Str(logKeyCategory, categoryThread).
				Int("dropped", dropped).
				Log("core thread closed before running")
		}
		if fn != nil {
			fn()
		}
		close(t.done)
		return
	}
	t.mu.Unlock()

	for {
		current := t.state.Load()
		if current == ThreadTerminating || current == ThreadTerminated {
			break
		}
		if t.state.TryTransition(current, ThreadTerminating) {
			break
		}
	}
	t.signal()
}

// setOnTerminate registers the termination callback, reporting whether the
// thread had already terminated (in which case it will not be called).
func (t *Thread) setOnTerminate(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTerminate = fn
	return t.state.Load() == ThreadTerminated
}

// State returns the current state of the thread.
func (t *Thread) State() ThreadState {
	return t.state.Load()
}

// Done returns a channel that is closed once the thread has terminated.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Err returns the error Run returned, once the thread has terminated.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pending returns the number of queued commands.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Length()
}

// Executed returns the number of commands executed so far.
func (t *Thread) Executed() uint64 {
	return t.executed.Load()
}

// OSThread returns the OS thread id the core thread is locked to, or 0 if not
// running, or unsupported.
func (t *Thread) OSThread() int {
	if t.goroutineID.Load() == 0 {
		return 0
	}
	return int(t.osThreadID.Load())
}
