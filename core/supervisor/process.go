package supervisor

import (
	"os/exec"
	"sync/atomic"
)

// Worker is the supervisor's handle on one worker process.
type Worker struct {
	// ID is the 1-based spawn position.
	ID int

	cmd      *exec.Cmd
	done     chan struct{}
	running  atomic.Bool
	exitCode atomic.Int64
}

func startProcess(id int, cmd *exec.Cmd) (*Worker, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	w := &Worker{ID: id, cmd: cmd, done: make(chan struct{})}
	w.running.Store(true)
	w.exitCode.Store(-1)
	go w.wait()
	return w, nil
}

func (w *Worker) wait() {
	// The exit status is read from ProcessState.
	_ = w.cmd.Wait()
	w.exitCode.Store(int64(w.cmd.ProcessState.ExitCode()))
	w.running.Store(false)
	close(w.done)
}

// Pid returns the process id.
func (w *Worker) Pid() int { return w.cmd.Process.Pid }

// Running reports whether the process has not been reaped yet.
func (w *Worker) Running() bool { return w.running.Load() }

// Done is closed once the process has exited and was reaped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ExitCode returns the exit code of the process, or -1 while it runs or when
// it was ended by a signal.
func (w *Worker) ExitCode() int { return int(w.exitCode.Load()) }

// Kill stops the process immediately.
func (w *Worker) Kill() error {
	if !w.Running() {
		return nil
	}
	return ignoreFinished(w.cmd.Process.Kill())
}
