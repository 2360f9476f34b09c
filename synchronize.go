package coreobject

// Synchronize blocks until the object is initialized.
//
// It returns immediately for an initialized object. Otherwise the object must
// be scheduled for core thread initialization: anything else is fatal
// (nothing would ever wake the caller), as is calling it on the core thread,
// which is the only goroutine that could complete the initialization.
//
// All objects of a Core share one condition variable, broadcast whenever any
// of them becomes initialized. Each waiter re-checks its own object's state.
// There is no timeout. If the core thread terminates first, waiters are woken
// and fail with ErrThreadTerminated.
func (o *Object) Synchronize() {
	o.checkLive("Synchronize")
	c := o.core

	c.mu.Lock()
	if o.state.initialized() {
		c.mu.Unlock()
		return
	}

	if !o.coreThreadInit {
		state := o.state
		c.mu.Unlock()
		o.raise("Synchronize", ErrNotScheduledForInit, state)
	}

	if debugChecks && c.exec.IsCoreThread() {
		state := o.state
		c.mu.Unlock()
		o.raise("Synchronize", ErrSynchronizeOnCoreThread, state)
	}

	for waited := false; !o.state.initialized(); waited = true {
		if waited && o.state == StateDestroyed {
			// initialized, then destroyed before this waiter woke
			break
		}
		if o.state != StateScheduledForInit {
			state := o.state
			c.mu.Unlock()
			o.raise("Synchronize", ErrNotScheduledForInit, state)
		}
		if c.terminated {
			state := o.state
			c.mu.Unlock()
			o.raise("Synchronize", ErrThreadTerminated, state)
		}
		c.loaded.Wait()
	}
	c.mu.Unlock()
}
