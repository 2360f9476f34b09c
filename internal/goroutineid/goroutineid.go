// Package goroutineid identifies the calling goroutine, and the OS thread it
// is running on, for thread affinity checks and diagnostics.
package goroutineid

import (
	"runtime"
)

// Current returns the current goroutine's ID, parsed from the header of
// runtime.Stack ("goroutine 123 [running]:").
//
// It is not cheap (~1µs), callers on hot paths should cache the result for the
// goroutine that owns it, and compare against that.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// OSThread returns an identifier for the OS thread the caller is currently
// scheduled on, or 0 if the platform does not expose one. It is only stable if
// the caller has called runtime.LockOSThread.
func OSThread() int {
	return osThread()
}
