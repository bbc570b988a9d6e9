//go:build unix

package socket

import (
	"context"
	"net"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/prefork/config"
)

func isNonblocking(t *testing.T, l net.Listener) bool {
	t.Helper()
	raw, err := l.(syscall.Conn).SyscallConn()
	require.NoError(t, err)
	var flags int
	var ferr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		flags, ferr = unix.FcntlInt(fd, unix.F_GETFL, 0)
	}))
	require.NoError(t, ferr)
	return flags&unix.O_NONBLOCK != 0
}

func TestSetNonblockingAfterSpawn(t *testing.T) {
	set, err := Bind(context.Background(), config.BindConfig{Insecure: []string{"127.0.0.1:0"}}, 16, nil)
	require.NoError(t, err)
	defer set.Close()
	l := set.Insecure[0]
	require.True(t, isNonblocking(t, l))

	files, err := set.Files()
	require.NoError(t, err)
	defer closeFiles(files)

	cmd := exec.Command("true")
	cmd.ExtraFiles = files
	require.NoError(t, cmd.Run())
	assert.False(t, isNonblocking(t, l), "handing the socket to a process clears O_NONBLOCK")

	require.NoError(t, SetNonblocking(files))
	assert.True(t, isNonblocking(t, l))
}
