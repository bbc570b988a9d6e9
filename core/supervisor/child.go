package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/logging"
	"github.com/searchktools/prefork/core/shutdown"
	"github.com/searchktools/prefork/core/socket"
	"github.com/searchktools/prefork/core/worker"
)

// WorkerEnv is the environment variable that carries the bootstrap of a
// worker process.
const WorkerEnv = "PREFORK_WORKER"

// Worker process exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitStartupFailure = 3
)

// Descriptors inherited by a worker process. fd 0-2 are the standard streams.
const (
	signalFD = 3
	socketFD = 4
)

// bootstrap is everything a worker process needs besides its inherited
// descriptors.
type bootstrap struct {
	WorkerID int           `yaml:"worker_id"`
	Config   config.Config `yaml:"config"`
	Sockets  socket.Counts `yaml:"sockets"`
	Transfer string        `yaml:"transfer"`
}

// IsWorkerProcess reports whether the current process was spawned by a
// Supervisor as a worker.
func IsWorkerProcess() bool {
	_, ok := os.LookupEnv(WorkerEnv)
	return ok
}

// RunWorkerProcess serves app in a process spawned by a Supervisor and returns
// the exit code for os.Exit. Programs call it first thing in main when
// IsWorkerProcess reports true.
func RunWorkerProcess(app core.Application) int {
	var boot bootstrap
	if err := yaml.Unmarshal([]byte(os.Getenv(WorkerEnv)), &boot); err != nil {
		fmt.Fprintf(os.Stderr, "prefork worker: invalid %s: %v\n", WorkerEnv, err)
		return ExitFailure
	}
	logger := logging.Must(boot.Config.Logging)
	defer logger.Sync()

	code, err := runWorker(app, &boot, logger)
	if err != nil {
		logger.Error("Worker failed", zap.Int("worker", boot.WorkerID), zap.Error(err))
	}
	return code
}

func runWorker(app core.Application, boot *bootstrap, logger *zap.Logger) (int, error) {
	sig, err := shutdown.Open(os.NewFile(signalFD, "shutdown"))
	if err != nil {
		return ExitFailure, err
	}
	defer sig.Close()

	set, err := receiveSockets(boot)
	if err != nil {
		return ExitFailure, err
	}
	// The descriptors are duplicates; the supervisor closes the sockets
	// after every worker has exited.

	rt, err := worker.New(&boot.Config, app, worker.WithLogger(logger), worker.WithWorkerID(boot.WorkerID))
	if err != nil {
		return ExitFailure, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Once stopping, a further SIGTERM takes its default action so that the
	// supervisor can end a worker stuck in draining.
	go func() {
		_ = sig.Wait(ctx, boot.Config.ShutdownPollInterval)
		stop()
	}()

	err = rt.Serve(ctx, set, sig)
	switch {
	case errors.Is(err, worker.ErrStartup):
		return ExitStartupFailure, err
	case err != nil:
		return ExitFailure, err
	}
	return ExitOK, nil
}

func receiveSockets(boot *bootstrap) (*socket.Set, error) {
	n := boot.Sockets.Total()
	switch boot.Transfer {
	case config.TransferInherit:
		files := make([]*os.File, n)
		for i := range files {
			files[i] = os.NewFile(uintptr(socketFD+i), fmt.Sprintf("socket-%d", i))
		}
		return socket.FromFiles(files, boot.Sockets)
	case config.TransferPassFD:
		conn := os.NewFile(socketFD, "passfd")
		defer conn.Close()
		files, err := socket.ReceiveFiles(conn, n)
		if err != nil {
			return nil, fmt.Errorf("receive sockets: %w", err)
		}
		return socket.FromFiles(files, boot.Sockets)
	}
	return nil, fmt.Errorf("unknown socket transfer %q", boot.Transfer)
}
