//go:build coreobject_release

package coreobject

const debugChecks = false
