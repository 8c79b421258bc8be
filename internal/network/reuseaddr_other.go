//go:build !linux && !windows

package network

import (
	"net"
	"time"
)

// ListenConfig returns a plain net.ListenConfig with the given TCP
// keep-alive period.
func ListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{KeepAlive: keepAlive}
}
