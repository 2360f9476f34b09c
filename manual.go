package coreobject

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-coreobject/internal/goroutineid"
	"github.com/joeycumines/go-coreobject/internal/ingress"
)

// ManualThread is an [Executor] with no goroutine of its own. Commands queue
// until RunPending or RunOne is called, and the goroutine draining them is the
// core thread for the duration of the call.
//
// It exists so the lifecycle protocol can be exercised deterministically, and
// so objects can be driven from a loop the caller already owns. Panics raised
// by commands propagate to the caller of RunPending / RunOne.
type ManualThread struct {
	onTerminate func()

	// runMu serializes draining, so at most one goroutine is the core thread.
	runMu sync.Mutex

	mu         sync.Mutex
	queue      ingress.Queue
	terminated bool

	owner    atomic.Uint64
	executed atomic.Uint64
}

var _ Executor = (*ManualThread)(nil)

// NewManualThread returns an empty ManualThread.
func NewManualThread() *ManualThread {
	return &ManualThread{}
}

// IsCoreThread reports whether the caller is currently draining the queue, or
// running within Do.
func (m *ManualThread) IsCoreThread() bool {
	id := m.owner.Load()
	return id != 0 && id == goroutineid.Current()
}

// QueueCommand appends a command, to be run by a later RunPending or RunOne.
func (m *ManualThread) QueueCommand(command func()) error {
	if command == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrThreadTerminated
	}
	m.queue.Push(command)
	return nil
}

// RunPending executes queued commands in order until the queue is empty,
// including commands queued while draining. Returns the number executed.
//
// Called from within a command (or Do), it returns 0 without running
// anything, as a nested drain would break ordering.
func (m *ManualThread) RunPending() int {
	var n int
	m.drain(func() {
		for m.runNext() {
			n++
		}
	})
	return n
}

// RunOne executes the oldest queued command, if any.
func (m *ManualThread) RunOne() bool {
	var ok bool
	m.drain(func() {
		ok = m.runNext()
	})
	return ok
}

// Do runs fn as the core thread, e.g. to exercise the inline lifecycle paths.
func (m *ManualThread) Do(fn func()) {
	if m.IsCoreThread() {
		fn()
		return
	}
	m.drain(fn)
}

func (m *ManualThread) drain(fn func()) {
	if m.IsCoreThread() {
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.owner.Store(goroutineid.Current())
	defer m.owner.Store(0)
	fn()
}

func (m *ManualThread) runNext() bool {
	m.mu.Lock()
	command, ok := m.queue.Pop()
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.executed.Add(1)
	command()
	return true
}

// Pending returns the number of queued commands.
func (m *ManualThread) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Length()
}

// Executed returns the number of commands executed so far.
func (m *ManualThread) Executed() uint64 {
	return m.executed.Load()
}

// Shutdown drains the queue on the calling goroutine, then stops accepting
// commands. The context is not consulted: draining is synchronous.
func (m *ManualThread) Shutdown(ctx context.Context) error {
	m.RunPending()
	m.terminate()
	return nil
}

// Close stops accepting commands, dropping anything still queued.
func (m *ManualThread) Close() error {
	m.terminate()
	return nil
}

func (m *ManualThread) terminate() {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.queue.Clear()
	fn := m.onTerminate
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *ManualThread) setOnTerminate(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminate = fn
	return m.terminated
}
