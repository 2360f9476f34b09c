package coreobject

import (
	"github.com/joeycumines/logiface"
)

// Log field keys, shared by Core, Thread and Object events.
const (
	logKeyCategory = "category"
	logKeyObject   = "object"
	logKeyName     = "name"
	logKeyOp       = "op"
	logKeyState    = "state"
	logKeyFrom     = "from"
	logKeyTo       = "to"
)

// Log categories.
const (
	categoryLifecycle = "lifecycle"
	categoryThread    = "thread"
	categoryRegistry  = "registry"
	categoryAccessor  = "accessor"
)

// logViolation logs a fatal lifecycle violation, just before it is raised.
func logViolation(logger *logiface.Logger[logiface.Event], err *LifecycleError) {
	logger.Crit().
		Str(logKeyCategory, categoryLifecycle).
		Str(logKeyOp, err.Op).
		Uint64(logKeyObject, err.ObjectID).
		Str(logKeyName, err.Name).
		Stringer(logKeyState, err.State).
		Err(err.Err).
		Log("lifecycle violation")
}

// logTransition logs an object state change.
func logTransition(logger *logiface.Logger[logiface.Event], o *Object, from, to ObjectState) {
	b := logger.Debug()
	if !b.Enabled() {
		return
	}
	b.Str(logKeyCategory, categoryLifecycle).
		Uint64(logKeyObject, o.id).
		Str(logKeyName, o.opts.name).
		Stringer(logKeyFrom, from).
		Stringer(logKeyTo, to).
		Log("state transition")
}
