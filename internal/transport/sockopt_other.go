//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import (
	"syscall"
)

const reusePortSupported = false

func reusePortControl(network, address string, c syscall.RawConn) error {
	return ErrUnsupported
}

// reuseAddrControl leaves the platform defaults in place.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
