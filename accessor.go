package coreobject

import (
	"github.com/joeycumines/logiface"
)

// Accessor marshals work onto the core thread, for callers on any goroutine.
//
// Callers already on the core thread bypass the queue: their commands run
// inline, before the call returns, since queuing work for the goroutine that
// drains the queue, then waiting on it, can only deadlock.
type Accessor struct {
	exec   Executor
	logger *logiface.Logger[logiface.Event]
}

// NewAccessor returns an Accessor over the given executor. A nil logger
// disables logging.
func NewAccessor(exec Executor, logger *logiface.Logger[logiface.Event]) *Accessor {
	if exec == nil {
		panic("coreobject: nil executor")
	}
	return &Accessor{exec: exec, logger: logger}
}

// IsCoreThread reports whether the caller is the core thread.
func (a *Accessor) IsCoreThread() bool {
	return a.exec.IsCoreThread()
}

// QueueCommand runs command on the core thread, without waiting for it.
func (a *Accessor) QueueCommand(command func()) error {
	if command == nil {
		return nil
	}
	if a.exec.IsCoreThread() {
		command()
		return nil
	}
	return a.exec.QueueCommand(command)
}

// QueueReturnCommand runs command on the core thread, passing it the AsyncOp
// the caller receives. The command posts its result via AsyncOp.Complete.
//
// A command that returns without completing its op completes it with a nil
// value. If the command cannot be queued, the op completes with that error.
func (a *Accessor) QueueReturnCommand(command func(op *AsyncOp)) *AsyncOp {
	op, _ := a.queueReturn(command)
	return op
}

func (a *Accessor) queueReturn(command func(op *AsyncOp)) (*AsyncOp, error) {
	op := newAsyncOp(a.exec)
	if command == nil {
		op.Complete(nil)
		return op, nil
	}
	err := a.QueueCommand(func() {
		command(op)
		a.autoComplete(op)
	})
	if err != nil {
		op.fail(err)
	}
	return op, err
}

func (a *Accessor) autoComplete(op *AsyncOp) {
	if op.Complete(nil) {
		a.logger.Debug().
			Str(logKeyCategory, categoryAccessor).
			Log("return command did not complete its async op")
	}
}
