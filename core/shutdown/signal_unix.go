//go:build unix

package shutdown

import (
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// New creates a signal backed by a shared mapping of an unlinked temporary
// file, so that it survives being passed to child processes.
func New() (*Signal, error) {
	f, err := os.CreateTemp("", "prefork-shutdown-*")
	if err != nil {
		return nil, fmt.Errorf("create shutdown signal: %w", err)
	}
	_ = os.Remove(f.Name())

	if err := f.Truncate(int64(os.Getpagesize())); err != nil {
		f.Close()
		return nil, fmt.Errorf("create shutdown signal: %w", err)
	}
	s, err := Open(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Open maps a signal file received from the parent process. The signal takes
// ownership of f.
func Open(f *os.File) (*Signal, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map shutdown signal: %w", err)
	}
	return &Signal{
		flag: (*uint32)(unsafe.Pointer(&mem[0])),
		file: f,
		release: func() error {
			return multierr.Append(unix.Munmap(mem), f.Close())
		},
	}, nil
}
