// Package shutdown provides the flag a supervisor uses to ask every worker
// process to stop.
package shutdown

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is used by Wait when interval is not positive.
const DefaultPollInterval = 100 * time.Millisecond

// Signal is a one-way flag shared between processes. It starts unset, can be
// set by any process holding it and is never cleared. All methods are safe
// on a nil *Signal, which is never set.
type Signal struct {
	flag *uint32
	file *os.File

	release   func() error
	closeOnce sync.Once
	closeErr  error
}

// Set sets the signal. It reports true only for the call that changed it.
func (s *Signal) Set() bool {
	if s == nil {
		return false
	}
	return atomic.CompareAndSwapUint32(s.flag, 0, 1)
}

// IsSet reports whether the signal was set by any process.
func (s *Signal) IsSet() bool {
	if s == nil {
		return false
	}
	return atomic.LoadUint32(s.flag) != 0
}

// File returns the file backing the signal, for passing to a child process.
// It is nil for signals that cannot cross processes.
func (s *Signal) File() *os.File {
	if s == nil {
		return nil
	}
	return s.file
}

// Wait polls the signal every interval and returns nil once it is set, or
// the context error once ctx is done.
func (s *Signal) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if s.IsSet() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.IsSet() {
				return nil
			}
		}
	}
}

// Close releases this process's handle. Other processes are not affected.
func (s *Signal) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}
