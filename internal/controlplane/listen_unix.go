//go:build !windows

package controlplane

import (
	"net"
	"time"
)

func listen(endpoint string) (net.Listener, error) {
	return net.Listen("unix", endpoint)
}

func dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, timeout)
}
