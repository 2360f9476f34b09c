package coreobject

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// requireFatal runs fn, which must panic with a *LifecycleError wrapping
// target.
func requireFatal(t *testing.T, target error, fn func()) *LifecycleError {
	t.Helper()
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()
	require.NotNil(t, recovered, "expected a lifecycle violation")
	err, ok := recovered.(*LifecycleError)
	require.Truef(t, ok, "unexpected panic value %T: %v", recovered, recovered)
	require.ErrorIs(t, err, target)
	return err
}

func requireDebugChecks(t *testing.T) {
	t.Helper()
	if !debugChecks {
		t.Skip("debug checks disabled by the coreobject_release build tag")
	}
}

// newManualCore returns a Core driven by a ManualThread.
func newManualCore(t *testing.T, opts ...Option) (*Core, *ManualThread) {
	t.Helper()
	m := NewManualThread()
	c, err := New(append([]Option{WithExecutor(m)}, opts...)...)
	require.NoError(t, err)
	return c, m
}

// newRunningCore returns a Core whose Thread is running, shut down (and
// checked for leaks) by test cleanup.
func newRunningCore(t *testing.T, opts ...Option) *Core {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	ran := make(chan error, 1)
	go func() { ran <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, c.Shutdown(ctx))
		require.NoError(t, <-ran)
	})
	return c
}

// onCoreThread runs fn on the core thread, and waits for it.
func onCoreThread(t *testing.T, c *Core, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, c.Accessor().QueueCommand(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the core thread")
	}
}
