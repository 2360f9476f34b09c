package coreobject

import (
	"sync/atomic"
)

// Ref is one strong reference to an [Object]. Each Ref must be released
// exactly once; releasing the last one starts the object's teardown (see
// [Object]).
//
// A Ref is safe for concurrent use, though releasing it while other
// goroutines still use it is, as with any handle, a bug.
type Ref struct {
	obj      *Object
	released atomic.Bool
}

// Bind establishes the object's self reference, and returns its first strong
// reference. It must be called exactly once per object, by whichever layer
// first takes ownership of it; calling it again is a fatal violation.
func Bind(o *Object) *Ref {
	o.checkLive("Bind")
	c := o.core
	c.mu.Lock()
	if o.bound {
		state := o.state
		c.mu.Unlock()
		o.raise("Bind", ErrSelfReferenceBound, state)
	}
	o.bound = true
	o.self = WeakRef{obj: o}
	o.refs.Add(1)
	c.mu.Unlock()
	return &Ref{obj: o}
}

// Object returns the referenced object. Panics if the reference has been
// released.
func (r *Ref) Object() *Object {
	r.checkLive("Object")
	return r.obj
}

// Clone returns a new strong reference to the same object.
func (r *Ref) Clone() *Ref {
	r.checkLive("Clone")
	r.obj.refs.Add(1)
	return &Ref{obj: r.obj}
}

// Weak returns a non-owning reference to the object.
func (r *Ref) Weak() WeakRef {
	r.checkLive("Weak")
	return WeakRef{obj: r.obj}
}

// Release drops the reference. Releasing twice is a fatal violation.
func (r *Ref) Release() {
	if !r.released.CompareAndSwap(false, true) {
		r.obj.raise("Release", ErrDoubleRelease, r.obj.State())
	}
	r.obj.release()
}

// abandon drops the reference without last release handling, for a
// lifecycle command whose hook panicked.
func (r *Ref) abandon() {
	if r.released.CompareAndSwap(false, true) {
		r.obj.refs.Add(-1)
	}
}

func (r *Ref) checkLive(op string) {
	if r.released.Load() {
		r.obj.raise(op, ErrRefReleased, r.obj.State())
	}
}

// WeakRef is a non-owning reference to an [Object]. It resolves to a strong
// reference only while at least one strong reference exists.
//
// The zero value is valid, and never resolves.
type WeakRef struct {
	obj *Object
}

// Upgrade returns a new strong reference, if the object still has one.
func (w WeakRef) Upgrade() (*Ref, bool) {
	if w.obj == nil {
		return nil, false
	}
	for {
		n := w.obj.refs.Load()
		if n <= 0 {
			return nil, false
		}
		if w.obj.refs.CompareAndSwap(n, n+1) {
			return &Ref{obj: w.obj}, true
		}
	}
}

// Expired reports whether the object has no strong references left.
func (w WeakRef) Expired() bool {
	return w.obj == nil || w.obj.refs.Load() <= 0
}
