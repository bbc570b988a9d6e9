//go:build !unix

package socket

import (
	"net"
	"os"
)

var listenConfig net.ListenConfig

// setBacklog is a no-op where the queue length cannot be changed after
// listen.
func setBacklog(net.Listener, int) error { return nil }

// SetNonblocking is a no-op where sockets are not shared with workers.
func SetNonblocking([]*os.File) error { return nil }
