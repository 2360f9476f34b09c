package coreobject

import (
	"sync/atomic"
)

// ObjectState is the lifecycle state of an [Object].
//
// State Machine:
//
//	StateUninitialized → StateScheduledForInit    [Initialize(), core thread init]
//	StateUninitialized → StateInitialized         [Initialize(), synchronous init]
//	StateScheduledForInit → StateInitialized      [init command ran, broadcast]
//	StateScheduledForInit → StateScheduledForDestroy [init command ran, destroy queued behind it]
//	StateInitialized → StateScheduledForDestroy   [Destroy(), core thread init]
//	StateInitialized → StateDestroyed             [Destroy(), synchronous init]
//	StateScheduledForDestroy → StateDestroyed     [destroy command ran]
//	StateUninitialized → StateDestroyed           [last reference released, never initialized]
//	StateDestroyed → (terminal)
//
// Values are ordered, transitions only ever increase the value.
type ObjectState uint32

const (
	StateUninitialized ObjectState = iota
	StateScheduledForInit
	StateInitialized
	StateScheduledForDestroy
	StateDestroyed
)

// String returns a human-readable representation of the state.
func (s ObjectState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateScheduledForInit:
		return "ScheduledForInit"
	case StateInitialized:
		return "Initialized"
	case StateScheduledForDestroy:
		return "ScheduledForDestroy"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// initialized reports whether the object's init has run and its destroy has
// not, which includes a pending destroy.
func (s ObjectState) initialized() bool {
	return s == StateInitialized || s == StateScheduledForDestroy
}

// ThreadState represents the current state of a [Thread].
//
//	ThreadAwake → ThreadRunning             [Run()]
//	ThreadRunning → ThreadSleeping          [queue empty]
//	ThreadSleeping → ThreadRunning          [command queued]
//	ThreadAwake|Running|Sleeping → ThreadTerminating [Shutdown(), Close()]
//	ThreadAwake|Terminating → ThreadTerminated [Close() before Run()]
//	ThreadTerminating → ThreadTerminated    [drained, or ctx done and drained]
//	ThreadTerminated → (terminal)
type ThreadState uint64

const (
	ThreadAwake ThreadState = iota
	ThreadRunning
	ThreadSleeping
	ThreadTerminating
	ThreadTerminated
)

// String returns a human-readable representation of the state.
func (s ThreadState) String() string {
	switch s {
	case ThreadAwake:
		return "Awake"
	case ThreadRunning:
		return "Running"
	case ThreadSleeping:
		return "Sleeping"
	case ThreadTerminating:
		return "Terminating"
	case ThreadTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// threadState is a lock-free state holder.
//
// Use TryTransition (CAS) for the temporary states (Running, Sleeping), and
// Store only for the irreversible ones.
type threadState struct {
	v atomic.Uint64
}

func (s *threadState) Load() ThreadState {
	return ThreadState(s.v.Load())
}

func (s *threadState) Store(state ThreadState) {
	s.v.Store(uint64(state))
}

func (s *threadState) TryTransition(from, to ThreadState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// CanAcceptWork returns true if commands may still be queued.
func (s *threadState) CanAcceptWork() bool {
	return s.Load() != ThreadTerminated
}
