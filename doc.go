// Package coreobject implements a cross-thread, reference counted object
// lifecycle protocol, for resources whose real initialization and destruction
// must happen on one designated goroutine (the core thread), while the
// resources themselves are created, referenced and released from any
// goroutine.
//
// # Components
//
//   - [Thread]: the core thread, a single goroutine locked to its OS thread,
//     executing queued commands strictly in FIFO order. [ManualThread] is a
//     synchronous alternative, driven by the caller.
//   - [Accessor] and [AsyncOp]: queue commands (optionally with a result) on
//     the core thread, from any goroutine.
//   - [Object], [Ref] and [WeakRef]: the lifecycle state machine, with an
//     explicit strong count, and the self reference used to resurrect an
//     object whose last reference is released while it is still initialized.
//   - [Object.Synchronize]: blocks until an object's deferred initialization
//     has run.
//   - [Core]: ties these together, and owns the registry of live objects.
//
// # Usage
//
//	core, err := coreobject.New(coreobject.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	go core.Run(ctx)
//	defer core.Shutdown(context.Background())
//
//	texture := core.Create(true, coreobject.WithInitializer(upload), coreobject.WithDestroyer(free))
//	texture.Object().Initialize()
//	texture.Object().Synchronize()
//	// ...
//	texture.Release() // free runs on the core thread, then the object is finalized
//
// # Violations
//
// Misuse of the protocol (initializing twice, releasing twice, synchronizing
// on the core thread, and so on) is a programming error, raised by panicking
// with a [*LifecycleError] wrapping one of the Err* sentinels. Some of the
// checks are elided when built with the coreobject_release build tag. The
// checks that guard against use of freed state are always on.
package coreobject
