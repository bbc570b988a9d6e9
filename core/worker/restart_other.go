//go:build !unix

package worker

import (
	"fmt"
	"os"
	"os/exec"
)

// Restart starts a fresh copy of the running executable with the same
// arguments and environment, then exits the current process.
func Restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart %s: %w", exe, err)
	}
	os.Exit(0)
	return nil
}
