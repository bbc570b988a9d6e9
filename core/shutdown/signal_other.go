//go:build !unix

package shutdown

import (
	"errors"
	"os"
)

// New creates a signal usable inside this process only.
func New() (*Signal, error) {
	return &Signal{flag: new(uint32)}, nil
}

// Open is not supported on this platform.
func Open(*os.File) (*Signal, error) {
	return nil, errors.New("shutdown signal cannot be shared on this platform")
}
