//go:build !linux && !darwin && !freebsd

package discovery

import "syscall"

// setReuseAddr is a no-op on platforms without a SO_REUSEADDR binding
// here; port-fallback to pebble.TestPort covers the same-host
// collision case instead.
func setReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}

// setBroadcast is a no-op on platforms without a SO_BROADCAST binding here.
func setBroadcast(_, _ string, _ syscall.RawConn) error {
	return nil
}
