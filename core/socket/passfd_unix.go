//go:build unix

package socket

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// SharingSupported reports whether sockets can be handed to worker processes.
func SharingSupported() bool { return true }

// Pair creates a connected unix stream socket pair used to send sockets to
// one worker. The child end is meant for exec.Cmd.ExtraFiles.
func Pair() (parent, child *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "passfd-parent"), os.NewFile(uintptr(fds[1]), "passfd-child"), nil
}

// SendFiles sends each file over conn, one SCM_RIGHTS message per file.
func SendFiles(conn *os.File, files []*os.File) error {
	fd := int(conn.Fd())
	for i, f := range files {
		rights := unix.UnixRights(int(f.Fd()))
		for {
			err := unix.Sendmsg(fd, []byte{byte(i)}, rights, nil, 0)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return fmt.Errorf("send socket %d: %w", i, err)
			}
			break
		}
	}
	return nil
}

// ReceiveFiles receives n files sent by SendFiles.
func ReceiveFiles(conn *os.File, n int) ([]*os.File, error) {
	fd := int(conn.Fd())
	files := make([]*os.File, 0, n)
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	fail := func(err error) ([]*os.File, error) {
		closeFiles(files)
		return nil, err
	}

	for i := 0; i < n; i++ {
		rn, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
		if errors.Is(err, unix.EINTR) {
			i--
			continue
		}
		if err != nil {
			return fail(fmt.Errorf("receive socket %d: %w", i, err))
		}
		if rn == 0 {
			return fail(fmt.Errorf("receive socket %d: %w", i, io.ErrUnexpectedEOF))
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fail(fmt.Errorf("receive socket %d: %w", i, err))
		}
		if len(msgs) != 1 {
			return fail(fmt.Errorf("receive socket %d: expected one control message, got %d", i, len(msgs)))
		}
		fds, err := unix.ParseUnixRights(&msgs[0])
		if err != nil {
			return fail(fmt.Errorf("receive socket %d: %w", i, err))
		}
		if len(fds) != 1 {
			for _, extra := range fds {
				unix.Close(extra)
			}
			return fail(fmt.Errorf("receive socket %d: expected one descriptor, got %d", i, len(fds)))
		}
		unix.CloseOnExec(fds[0])
		files = append(files, os.NewFile(uintptr(fds[0]), fmt.Sprintf("socket-%d", i)))
	}
	return files, nil
}
