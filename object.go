package coreobject

import (
	"sync/atomic"
)

// Object is a resource whose real initialization and destruction may need to
// run on the core thread, while the object itself is created, referenced and
// released from any goroutine.
//
// Objects are constructed by [Core.NewObject], then wrapped exactly once by
// [Bind], which returns the first strong reference ([*Ref]) and establishes
// the object's self reference. [Core.Create] does both.
//
// Lifecycle:
//
//	obj := core.Create(true, coreobject.WithInitializer(upload))
//	obj.Object().Initialize()  // queued on the core thread
//	obj.Object().Synchronize() // wait for it, if needed
//	obj.Release()              // destroy is queued, then the object is finalized
//
// Releasing the last strong reference to an initialized object does not free
// it: ownership is re-armed from the self reference, and handed to Destroy.
// The object is finalized only once the destroy command has run and released
// that reference.
type Object struct {
	// Prevent copying
	_ [0]func()

	core *Core
	opts objectOptions

	// self is set exactly once, by Bind, guarded by core.mu
	self WeakRef

	id uint64

	// refs is the strong count, one unit per live *Ref
	refs atomic.Int64

	state ObjectState // guarded by core.mu

	// destroyPending marks a destroy queued behind the init command, guarded
	// by core.mu
	destroyPending bool

	coreThreadInit bool
	bound          bool // guarded by core.mu
	finalized      atomic.Bool
}

// ID returns the object's registry id, unique within its Core.
func (o *Object) ID() uint64 {
	return o.id
}

// Name returns the diagnostic name set by WithName.
func (o *Object) Name() string {
	return o.opts.name
}

// Core returns the Core that constructed the object.
func (o *Object) Core() *Core {
	return o.core
}

// RequiresCoreThreadInit reports whether initialization and destruction run
// on the core thread.
func (o *Object) RequiresCoreThreadInit() bool {
	return o.coreThreadInit
}

// State returns the object's current lifecycle state.
func (o *Object) State() ObjectState {
	o.core.mu.Lock()
	defer o.core.mu.Unlock()
	return o.state
}

// IsInitialized reports whether the object is initialized (a pending destroy
// included).
func (o *Object) IsInitialized() bool {
	return o.State().initialized()
}

// Refs returns the current strong count. Diagnostic only.
func (o *Object) Refs() int64 {
	return o.refs.Load()
}

// Finalized reports whether the object has been destroyed, released, and
// removed from the registry.
func (o *Object) Finalized() bool {
	return o.finalized.Load()
}

// Initialize initializes the object.
//
// Objects that do not require core thread init are initialized before
// Initialize returns. Otherwise the object becomes StateScheduledForInit, and
// the initializer is queued on the core thread, holding a strong reference
// promoted from the self reference. On the core thread, it runs inline.
func (o *Object) Initialize() {
	o.checkLive("Initialize")
	c := o.core

	c.mu.Lock()
	if debugChecks && o.state != StateUninitialized {
		state := o.state
		c.mu.Unlock()
		o.raise("Initialize", ErrAlreadyInitialized, state)
	}

	if !o.coreThreadInit {
		c.mu.Unlock()
		o.initializeInternal()
		return
	}

	from := o.transitionLocked(StateScheduledForInit)
	ref := o.promoteLocked("Initialize")
	c.mu.Unlock()
	logTransition(c.logger, o, from, StateScheduledForInit)

	o.runLifecycle("Initialize", ref, true, o.initializeInternal)
}

// initializeInternal runs the initializer, then wakes Synchronize waiters.
// Runs on the core thread, for core thread objects.
func (o *Object) initializeInternal() {
	if fn := o.opts.initializer; fn != nil {
		fn(o)
	}

	c := o.core
	c.mu.Lock()
	to := StateInitialized
	if o.destroyPending {
		o.destroyPending = false
		to = StateScheduledForDestroy
	}
	from := o.transitionLocked(to)
	c.mu.Unlock()
	logTransition(c.logger, o, from, to)

	if o.coreThreadInit {
		c.loaded.Broadcast()
	}
}

// Destroy destroys an initialized object. Like Initialize, objects that
// require core thread init are marked StateScheduledForDestroy, and destroyed
// by a queued command (or inline, on the core thread).
//
// An object still in StateScheduledForInit may be destroyed too: the destroy
// is queued behind the init command, and the object moves straight from
// StateScheduledForInit to StateScheduledForDestroy once that has run.
//
// Destroy does not finalize the object: that happens once the last strong
// reference is released.
func (o *Object) Destroy() {
	o.checkLive("Destroy")

	if !o.coreThreadInit {
		o.destroyInternal()
		return
	}

	c := o.core
	c.mu.Lock()
	afterInit := o.state == StateScheduledForInit && !o.destroyPending
	if debugChecks && !afterInit && o.state != StateInitialized {
		state := o.state
		c.mu.Unlock()
		o.raise("Destroy", ErrNotInitialized, state)
	}
	if afterInit {
		ref := o.promoteLocked("Destroy")
		o.destroyPending = true
		c.mu.Unlock()
		c.logger.Debug().
			Str(logKeyCategory, categoryLifecycle).
			Uint64(logKeyObject, o.id).
			Str(logKeyName, o.opts.name).
			Log("destroy queued behind initialization")

		// never inline: the init command has to run first
		o.runLifecycle("Destroy", ref, false, o.destroyInternal)
		return
	}
	from := o.transitionLocked(StateScheduledForDestroy)
	ref := o.promoteLocked("Destroy")
	c.mu.Unlock()
	logTransition(c.logger, o, from, StateScheduledForDestroy)

	o.runLifecycle("Destroy", ref, true, o.destroyInternal)
}

func (o *Object) destroyInternal() {
	c := o.core
	if debugChecks {
		c.mu.Lock()
		state := o.state
		c.mu.Unlock()
		if !state.initialized() {
			o.raise("destroyInternal", ErrNotInitialized, state)
		}
	}

	if fn := o.opts.destroyer; fn != nil {
		fn(o)
	}

	c.mu.Lock()
	from := o.transitionLocked(StateDestroyed)
	c.mu.Unlock()
	logTransition(c.logger, o, from, StateDestroyed)
}

// runLifecycle runs an init or destroy step on the core thread, releasing ref
// once it is done. With inline set, fn runs immediately if called on the core
// thread, otherwise it is always queued.
//
// If fn panics, ref is abandoned rather than released: the object stays in
// its scheduled state (and is reported as leaked), and the panic propagates
// unchanged.
func (o *Object) runLifecycle(op string, ref *Ref, inline bool, fn func()) {
	c := o.core
	command := func() {
		var done bool
		defer func() {
			if !done {
				ref.abandon()
			}
		}()
		fn()
		done = true
		ref.Release()
	}
	if inline && c.exec.IsCoreThread() {
		command()
		return
	}
	if err := c.exec.QueueCommand(command); err != nil {
		// ref is never released: the object is stuck in a scheduled state
		o.raise(op, err, o.State())
	}
}

// QueueCommand runs command on the core thread, keeping the object alive
// until it has run. The object must be bound, and still referenced.
func (o *Object) QueueCommand(command func()) error {
	ref := o.acquire("QueueCommand")
	err := o.core.accessor.QueueCommand(func() {
		defer ref.Release()
		if command != nil {
			command()
		}
	})
	if err != nil {
		ref.Release()
	}
	return err
}

// QueueReturnCommand is like QueueCommand, for commands that produce a
// result, see [Accessor.QueueReturnCommand].
func (o *Object) QueueReturnCommand(command func(op *AsyncOp)) *AsyncOp {
	ref := o.acquire("QueueReturnCommand")
	op, err := o.core.accessor.queueReturn(func(op *AsyncOp) {
		defer ref.Release()
		if command != nil {
			command(op)
		}
	})
	if err != nil {
		ref.Release()
	}
	return op
}

// acquire promotes the self reference, for work that must keep the object
// alive.
func (o *Object) acquire(op string) *Ref {
	o.checkLive(op)
	o.core.mu.Lock()
	ref := o.promoteLocked(op)
	o.core.mu.Unlock()
	return ref
}

// promoteLocked turns the self reference into a strong reference. Must be
// called with core.mu held, which it releases before raising.
func (o *Object) promoteLocked(op string) *Ref {
	if !o.bound {
		state := o.state
		o.core.mu.Unlock()
		o.raise(op, ErrSelfReferenceUnbound, state)
	}
	ref, ok := o.self.Upgrade()
	if !ok {
		state := o.state
		o.core.mu.Unlock()
		o.raise(op, ErrSelfReferenceExpired, state)
	}
	return ref
}

// transitionLocked sets the state, returning the previous one. Must be called
// with core.mu held.
func (o *Object) transitionLocked(to ObjectState) ObjectState {
	from := o.state
	o.state = to
	return from
}

// release drops one unit of the strong count.
func (o *Object) release() {
	n := o.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		o.raise("Release", ErrDoubleRelease, o.State())
	}
	o.onLastRelease()
}

// onLastRelease intercepts the deletion of an object whose strong count hit
// zero: uninitialized objects are finalized immediately, initialized objects
// are resurrected and destroyed.
func (o *Object) onLastRelease() {
	c := o.core
	c.mu.Lock()
	state := o.state
	switch state {
	case StateUninitialized:
		o.transitionLocked(StateDestroyed)
		c.mu.Unlock()
		logTransition(c.logger, o, state, StateDestroyed)
		o.finalize()

	case StateInitialized:
		// re-arm ownership, which promoting the self reference (in Destroy)
		// requires, then hand it to the destroy protocol
		o.refs.Store(1)
		c.mu.Unlock()
		c.stats.resurrections.Add(1)
		c.logger.Debug().
			Str(logKeyCategory, categoryLifecycle).
			Uint64(logKeyObject, o.id).
			Str(logKeyName, o.opts.name).
			Log("resurrecting released object for destroy")
		o.Destroy()
		o.release()

	case StateDestroyed:
		c.mu.Unlock()
		o.finalize()

	default:
		c.mu.Unlock()
		// queued lifecycle commands always hold a reference
		if debugChecks {
			o.raise("Release", ErrReleasedWhileScheduled, state)
		}
	}
}

// finalize is the physical destructor: it unregisters the object and runs
// its finalizer hook.
func (o *Object) finalize() {
	c := o.core
	c.mu.Lock()
	state := o.state
	c.mu.Unlock()

	if state != StateDestroyed {
		o.raise("finalize", ErrNotDestroyed, state)
	}
	if debugChecks && o.refs.Load() != 0 {
		o.raise("finalize", ErrSelfReferenceLive, state)
	}
	if !o.finalized.CompareAndSwap(false, true) {
		o.raise("finalize", ErrObjectFinalized, state)
	}

	c.registry.unregister(o.id)
	c.stats.finalized.Add(1)

	if fn := o.opts.finalizer; fn != nil {
		fn(o)
	}
}

func (o *Object) checkLive(op string) {
	if o.finalized.Load() {
		o.raise(op, ErrObjectFinalized, StateDestroyed)
	}
}

// raise logs, then panics with, a lifecycle violation. Never returns.
func (o *Object) raise(op string, err error, state ObjectState) {
	e := &LifecycleError{
		Err:      err,
		Op:       op,
		Name:     o.opts.name,
		ObjectID: o.id,
		State:    state,
	}
	logViolation(o.core.logger, e)
	panic(e)
}
