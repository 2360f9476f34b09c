package coreobject

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Lifecycle violations. These are programming errors: they are raised by
// panicking with a [*LifecycleError] that wraps one of them.
var (
	// ErrAlreadyInitialized is raised when Initialize is called on an object
	// that is already initialized, or already scheduled to be.
	ErrAlreadyInitialized = errors.New("coreobject: object is already initialized or scheduled for initialization")

	// ErrNotInitialized is raised when an object is destroyed that is neither
	// initialized nor scheduled for initialization, or already scheduled for
	// destruction.
	ErrNotInitialized = errors.New("coreobject: object is not initialized")

	// ErrNotDestroyed is raised when an object would be finalized without
	// having reached StateDestroyed.
	ErrNotDestroyed = errors.New("coreobject: object finalized but not destroyed")

	// ErrSelfReferenceLive is raised when an object would be finalized while
	// its self reference still resolves to a strong reference, which
	// indicates a leaked queued command.
	ErrSelfReferenceLive = errors.New("coreobject: object finalized while its self reference is still live")

	// ErrSelfReferenceUnbound is raised when the deferred lifecycle path needs
	// the self reference, but Bind was never called.
	ErrSelfReferenceUnbound = errors.New("coreobject: self reference is not bound")

	// ErrSelfReferenceBound is raised when Bind is called more than once.
	ErrSelfReferenceBound = errors.New("coreobject: self reference is already bound")

	// ErrSelfReferenceExpired is raised when the self reference cannot be
	// promoted, i.e. no strong reference to the object exists anymore.
	ErrSelfReferenceExpired = errors.New("coreobject: self reference has expired")

	// ErrReleasedWhileScheduled is raised when the last strong reference is
	// dropped while the object is scheduled for initialization or
	// destruction. Queued commands always hold a reference, so this indicates
	// a reference counting bug.
	ErrReleasedWhileScheduled = errors.New("coreobject: last reference released while a lifecycle command is queued")

	// ErrNotScheduledForInit is raised by Synchronize when nothing will ever
	// initialize the object.
	ErrNotScheduledForInit = errors.New("coreobject: object is not scheduled for initialization")

	// ErrSynchronizeOnCoreThread is raised by Synchronize on the core thread,
	// where waiting would deadlock.
	ErrSynchronizeOnCoreThread = errors.New("coreobject: cannot synchronize on the core thread")

	// ErrObjectFinalized is raised when a finalized object is used, and
	// returned by lookups of recently finalized ids.
	ErrObjectFinalized = errors.New("coreobject: object has been finalized")

	// ErrDoubleRelease is raised when a Ref is released more than once, or the
	// strong count underflows.
	ErrDoubleRelease = errors.New("coreobject: reference released more than once")

	// ErrRefReleased is raised when a Ref is used after it was released.
	ErrRefReleased = errors.New("coreobject: reference used after release")
)

// Runtime conditions, returned as errors.
var (
	// ErrThreadAlreadyRunning is returned when Run is called on a thread that
	// is already running.
	ErrThreadAlreadyRunning = errors.New("coreobject: core thread is already running")

	// ErrThreadTerminated is returned when commands are queued on a
	// terminated core thread.
	ErrThreadTerminated = errors.New("coreobject: core thread has been terminated")

	// ErrReentrantRun is returned when Run is called from the core thread.
	ErrReentrantRun = errors.New("coreobject: cannot call Run from the core thread")

	// ErrWouldDeadlock is returned by AsyncOp.Wait on the core thread, for an
	// operation that has not completed.
	ErrWouldDeadlock = errors.New("coreobject: waiting on the core thread would deadlock")

	// ErrAsyncOpPending is returned by AsyncOp.Result before completion.
	ErrAsyncOpPending = errors.New("coreobject: async operation has not completed")

	// ErrExternalExecutor is returned by Core.Run when the Core was created
	// with WithExecutor, whose executor is run by its owner.
	ErrExternalExecutor = errors.New("coreobject: core uses an external executor")

	// ErrUnknownObject is returned by lookups of ids that were never
	// registered (or whose tombstone has been evicted).
	ErrUnknownObject = errors.New("coreobject: unknown object")
)

// LifecycleError describes a lifecycle protocol violation on a specific
// object. It is the panic value for all fatal checks.
type LifecycleError struct {
	Err      error
	Op       string
	Name     string
	ObjectID uint64
	State    ObjectState
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	b.WriteString(" (op=")
	b.WriteString(e.Op)
	b.WriteString(" object=")
	b.WriteString(strconv.FormatUint(e.ObjectID, 10))
	if e.Name != "" {
		b.WriteString(" name=")
		b.WriteString(strconv.Quote(e.Name))
	}
	b.WriteString(" state=")
	b.WriteString(e.State.String())
	b.WriteByte(')')
	return b.String()
}

// Unwrap returns the underlying sentinel, for use with [errors.Is].
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// CommandPanicError is returned by Thread.Run when a command panicked, which
// is fatal for the core thread.
type CommandPanicError struct {
	Value any
	Stack []byte
}

func (e *CommandPanicError) Error() string {
	return fmt.Sprintf("coreobject: core thread command panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *CommandPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// LeakError is returned by Core.Shutdown when objects were still registered
// after the core thread drained, i.e. strong references were never released.
type LeakError struct {
	ObjectIDs []uint64
}

func (e *LeakError) Error() string {
	const maxListed = 16
	var b strings.Builder
	b.WriteString("coreobject: ")
	b.WriteString(strconv.Itoa(len(e.ObjectIDs)))
	b.WriteString(" object(s) not released at shutdown: ")
	for i, id := range e.ObjectIDs {
		if i == maxListed {
			b.WriteString(", ...")
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatUint(id, 10))
	}
	return b.String()
}
