//go:build windows

package controlplane

import (
	"errors"
	"net"
	"time"
)

var errUnsupportedPlatform = errors.New("controlplane: named pipe transport not implemented on this platform")

// listen always returns errUnsupportedPlatform: there is no named-pipe
// listener on Windows. Windows named-pipe listeners need a cgo-free
// userspace implementation the teacher's pack doesn't carry; the daemon
// skeleton is POSIX-first per spec.md and this stub keeps the package
// building on Windows.
func listen(endpoint string) (net.Listener, error) {
	return nil, errUnsupportedPlatform
}

func dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	return nil, errUnsupportedPlatform
}
