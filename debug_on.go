//go:build !coreobject_release

package coreobject

// debugChecks enables the lifecycle assertions that are only meaningful while
// developing (double initialize, destroying an uninitialized object, live self
// reference at finalization, synchronize on the core thread, ...). Build with
// the coreobject_release tag to compile them out.
const debugChecks = true
