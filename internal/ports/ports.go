// Package ports provides TCP port availability probing and allocation for
// per-instance VNC and ADB forwarding ports.
package ports

import (
	"fmt"
	"net"

	"github.com/containerd/errdefs"
)

// DefaultMaxAttempts bounds the linear search in FindAvailable.
const DefaultMaxAttempts = 100

// Available reports whether a TCP port can currently be bound on localhost.
// The check is advisory; the port may be taken between the probe and the
// eventual bind by the VM process.
func Available(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindAvailable returns the first bindable port in [start, start+maxAttempts).
// Returns an ErrUnavailable-classed error when the range is exhausted.
func FindAvailable(start, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for offset := 0; offset < maxAttempts; offset++ {
		port := start + offset
		if port > 65535 {
			break
		}
		if Available(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range [%d, %d): %w", start, start+maxAttempts, errdefs.ErrUnavailable)
}

// Ensure returns port if it is free, otherwise the next free port after it.
func Ensure(port int) (int, error) {
	if Available(port) {
		return port, nil
	}
	return FindAvailable(port, DefaultMaxAttempts)
}
