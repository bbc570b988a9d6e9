//go:build !unix

package socket

import "os"

// SharingSupported reports whether sockets can be handed to worker processes.
func SharingSupported() bool { return false }

func Pair() (parent, child *os.File, err error) { return nil, nil, ErrSharingUnsupported }

func SendFiles(*os.File, []*os.File) error { return ErrSharingUnsupported }

func ReceiveFiles(*os.File, int) ([]*os.File, error) { return nil, ErrSharingUnsupported }
