//go:build unix

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// Terminate asks the process to stop with SIGTERM.
func (w *Worker) Terminate() error {
	if !w.Running() {
		return nil
	}
	return ignoreFinished(w.cmd.Process.Signal(syscall.SIGTERM))
}

func ignoreFinished(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
