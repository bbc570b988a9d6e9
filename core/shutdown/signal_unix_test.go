//go:build unix

package shutdown

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSignalSharedMapping(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.File())

	// A second mapping of the same file, as a worker process gets it.
	fd, err := unix.Dup(int(s.File().Fd()))
	require.NoError(t, err)
	other, err := Open(os.NewFile(uintptr(fd), "shutdown"))
	require.NoError(t, err)
	defer other.Close()

	assert.False(t, other.IsSet())
	assert.True(t, other.Set())
	assert.True(t, s.IsSet())
	assert.False(t, s.Set())
}

func TestSignalCloseIdempotent(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
