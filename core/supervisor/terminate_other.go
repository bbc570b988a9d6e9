//go:build !unix

package supervisor

import (
	"errors"
	"os"
)

// Terminate stops the process. Without signals this is the same as Kill.
func (w *Worker) Terminate() error {
	return w.Kill()
}

func ignoreFinished(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
