//go:build unix

package socket

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var listenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		if network == "unix" || network == "unixgram" {
			return nil
		}
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return serr
	},
}

// setBacklog calls listen(2) again with the requested queue length, which
// only updates the backlog of an already listening socket.
func setBacklog(l net.Listener, backlog int) error {
	if backlog <= 0 {
		return nil
	}
	sc, ok := l.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var lerr error
	if err := raw.Control(func(fd uintptr) {
		lerr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return lerr
}

// SetNonblocking puts the sockets behind files back into non-blocking mode.
// exec.Cmd.Start and os.File.Fd clear O_NONBLOCK on the open file description,
// which the listeners of this process share with every duplicate.
func SetNonblocking(files []*os.File) error {
	var errs error
	for _, f := range files {
		raw, err := f.SyscallConn()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var serr error
		if err := raw.Control(func(fd uintptr) {
			serr = unix.SetNonblock(int(fd), true)
		}); err != nil {
			serr = err
		}
		if serr != nil {
			errs = multierr.Append(errs, fmt.Errorf("set non-blocking on %s: %w", f.Name(), serr))
		}
	}
	return errs
}
