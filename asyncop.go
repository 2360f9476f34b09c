package coreobject

import (
	"context"
	"sync"
)

// AsyncOp is the caller's handle on the result of a return command, see
// [Accessor.QueueReturnCommand]. The command completes it on the core thread;
// any goroutine may poll or wait on it.
//
// An AsyncOp completes exactly once. Completion is irreversible.
type AsyncOp struct {
	exec  Executor
	value any
	err   error
	done  chan struct{}
	mu    sync.Mutex
}

func newAsyncOp(exec Executor) *AsyncOp {
	return &AsyncOp{
		exec: exec,
		done: make(chan struct{}),
	}
}

// Complete posts the operation's result. Returns false if the operation had
// already completed, in which case value is discarded.
func (op *AsyncOp) Complete(value any) bool {
	return op.settle(value, nil)
}

// fail completes the operation with an error, e.g. when its command could not
// be queued.
func (op *AsyncOp) fail(err error) bool {
	return op.settle(nil, err)
}

func (op *AsyncOp) settle(value any, err error) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	select {
	case <-op.done:
		return false
	default:
	}
	op.value = value
	op.err = err
	close(op.done)
	return true
}

// HasCompleted reports whether a result has been posted.
func (op *AsyncOp) HasCompleted() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

// Result returns the posted value, or ErrAsyncOpPending if the operation has
// not completed. A non-nil error other than ErrAsyncOpPending means the
// command never ran.
func (op *AsyncOp) Result() (any, error) {
	if !op.HasCompleted() {
		return nil, ErrAsyncOpPending
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.value, op.err
}

// Done returns a channel that is closed once the operation completes.
func (op *AsyncOp) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the operation completes, or ctx is done.
//
// On the core thread, waiting on an incomplete operation can never succeed
// (the command that would complete it is queued behind the caller), so Wait
// returns ErrWouldDeadlock instead of blocking.
func (op *AsyncOp) Wait(ctx context.Context) (any, error) {
	if op.HasCompleted() {
		return op.Result()
	}
	if op.exec != nil && op.exec.IsCoreThread() {
		return nil, ErrWouldDeadlock
	}
	select {
	case <-op.done:
		return op.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
