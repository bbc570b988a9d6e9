// Package supervisor binds the server sockets once and serves them either
// in-process or from a fixed number of worker processes that it spawns,
// watches and stops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/observability"
	"github.com/searchktools/prefork/core/shutdown"
	"github.com/searchktools/prefork/core/socket"
	"github.com/searchktools/prefork/core/worker"
)

var (
	// ErrUnsupportedWorkerClass is returned for any worker class but "async".
	ErrUnsupportedWorkerClass = errors.New("unsupported worker class")
	// ErrInvalidConfig wraps every other configuration error reported by Run.
	ErrInvalidConfig = config.ErrInvalid
	// ErrSpawn is returned when a worker process could not be started. The
	// workers spawned before it are stopped.
	ErrSpawn = errors.New("failed to spawn worker")
	// ErrWorkersExited is returned when workers exited with a failure while no
	// shutdown was requested.
	ErrWorkersExited = errors.New("workers exited with failure")
)

// killTimeout is how long terminated workers get before they are killed.
var killTimeout = 5 * time.Second

// startWorker starts cmd as worker id.
var startWorker = startProcess

// Supervisor runs a server made of one or more workers.
type Supervisor struct {
	cfg     config.Config
	app     core.Application
	logger  *zap.Logger
	metrics *observability.SupervisorMetrics
	command []string
	env     []string

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	set     *socket.Set
	workers []*Worker
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithCommand sets the program started for every worker. It must call
// RunWorkerProcess when IsWorkerProcess reports true. Defaults to the running
// executable with the current arguments.
func WithCommand(name string, args ...string) Option {
	return func(s *Supervisor) { s.command = append([]string{name}, args...) }
}

// WithEnv sets the environment of worker processes. Defaults to the current
// environment.
func WithEnv(env []string) Option {
	return func(s *Supervisor) { s.env = env }
}

// WithMetrics sets the metrics the supervisor records into.
func WithMetrics(m *observability.SupervisorMetrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New creates a supervisor for app. cfg is copied and completed with defaults;
// it is checked by Run.
func New(cfg *config.Config, app core.Application, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    *cfg,
		app:    app,
		logger: zap.NewNop(),
		env:    os.Environ(),
		ready:  make(chan struct{}),
	}
	config.ApplyDefaults(&s.cfg)
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewSupervisorMetrics()
	}
	return s
}

// Ready is closed once every socket is bound and every worker spawned.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Addrs returns the bound addresses, or nil before binding.
func (s *Supervisor) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		return nil
	}
	return s.set.Addrs()
}

// Workers returns the handles of the spawned worker processes.
func (s *Supervisor) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.workers)
}

// Run checks the configuration, binds the sockets and serves until ctx is
// done, then stops every worker and closes the sockets. Configuration errors
// are reported before anything is bound. With a single worker and the
// reloader enabled, Run returns worker.ErrReload when the process should
// restart.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}

	if s.cfg.PidFile != "" {
		if err := writePidFile(s.cfg.PidFile, os.Getpid()); err != nil {
			s.logger.Warn("Cannot write PID file", zap.String("path", s.cfg.PidFile), zap.Error(err))
		} else {
			defer func() {
				if err := removePidFile(s.cfg.PidFile); err != nil {
					s.logger.Warn("Cannot remove PID file", zap.Error(err))
				}
			}()
		}
	}

	set, err := socket.Bind(ctx, s.cfg.Bind, s.cfg.Backlog, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
	defer func() {
		if err := set.Close(); err != nil {
			s.logger.Warn("Closing sockets failed", zap.Error(err))
		}
	}()

	if s.cfg.MetricsBind != "" {
		stop, err := s.serveMetrics()
		if err != nil {
			return err
		}
		defer stop()
	}

	if s.cfg.Workers == 1 {
		return s.runInProcess(ctx, set)
	}
	return s.runWorkers(ctx, set)
}

func (s *Supervisor) check() error {
	if s.cfg.WorkerClass != config.WorkerClassAsync {
		return fmt.Errorf("%w: %q", ErrUnsupportedWorkerClass, s.cfg.WorkerClass)
	}
	if err := config.Validate(&s.cfg); err != nil {
		return err
	}
	if s.cfg.Workers > 1 && !socket.SharingSupported() {
		return fmt.Errorf("%w: workers: %w", ErrInvalidConfig, socket.ErrSharingUnsupported)
	}
	return nil
}

func (s *Supervisor) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Supervisor) serveMetrics() (func(), error) {
	ln, err := net.Listen("tcp", s.cfg.MetricsBind)
	if err != nil {
		return nil, fmt.Errorf("metrics bind %s: %w", s.cfg.MetricsBind, err)
	}
	srv := &http.Server{Handler: s.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("Metrics server failed", zap.Error(err))
		}
	}()
	s.logger.Info("Serving metrics", zap.Stringer("addr", ln.Addr()))
	return func() { srv.Close() }, nil
}

func (s *Supervisor) runInProcess(ctx context.Context, set *socket.Set) error {
	rt, err := worker.New(&s.cfg, s.app, worker.WithLogger(s.logger), worker.WithWorkerID(1))
	if err != nil {
		return err
	}
	s.markReady()
	return rt.Serve(ctx, set, nil)
}

func (s *Supervisor) runWorkers(ctx context.Context, set *socket.Set) error {
	sig, err := shutdown.New()
	if err != nil {
		return err
	}
	defer sig.Close()

	spawnErr := s.spawnAll(ctx, set, sig)
	if spawnErr != nil {
		s.logger.Error("Stopping spawned workers", zap.Error(spawnErr))
		sig.Set()
	} else {
		s.markReady()
	}

	failures, requested := s.join(ctx, sig)
	s.forceStop()

	switch {
	case spawnErr != nil:
		return spawnErr
	case failures > 0 && !requested:
		return fmt.Errorf("%w: %d of %d", ErrWorkersExited, failures, s.cfg.Workers)
	}
	return nil
}

func (s *Supervisor) spawnAll(ctx context.Context, set *socket.Set, sig *shutdown.Signal) error {
	for id := 1; id <= s.cfg.Workers; id++ {
		if id > 1 && s.cfg.SpawnJitter > 0 {
			select {
			case <-time.After(rand.N(s.cfg.SpawnJitter)):
			case <-ctx.Done():
				// Interrupted while spawning: join what runs.
				return nil
			}
		}
		w, err := s.spawn(id, set, sig)
		if err != nil {
			return fmt.Errorf("%w: worker %d: %w", ErrSpawn, id, err)
		}
		s.mu.Lock()
		s.workers = append(s.workers, w)
		s.mu.Unlock()
		s.metrics.WorkerSpawned()
		s.logger.Info("Booting worker", zap.Int("worker", id), zap.Int("worker_pid", w.Pid()))
	}
	return nil
}

func (s *Supervisor) spawn(id int, set *socket.Set, sig *shutdown.Signal) (*Worker, error) {
	boot, err := yaml.Marshal(bootstrap{
		WorkerID: id,
		Config:   s.cfg,
		Sockets:  set.Counts(),
		Transfer: s.cfg.SocketTransfer,
	})
	if err != nil {
		return nil, err
	}

	command := s.command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		command = append([]string{exe}, os.Args[1:]...)
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(slices.Clone(s.env), WorkerEnv+"="+string(boot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{sig.File()}

	switch s.cfg.SocketTransfer {
	case config.TransferPassFD:
		return s.spawnPassFD(id, cmd, set)
	default:
		files, err := set.Files()
		if err != nil {
			return nil, err
		}
		defer closeFiles(files)
		cmd.ExtraFiles = append(cmd.ExtraFiles, files...)
		w, err := startWorker(id, cmd)
		s.restoreNonblocking(files)
		return w, err
	}
}

// spawnPassFD starts the worker with one end of a socket pair and sends it
// the sockets once it runs.
func (s *Supervisor) spawnPassFD(id int, cmd *exec.Cmd, set *socket.Set) (*Worker, error) {
	parent, child, err := socket.Pair()
	if err != nil {
		return nil, err
	}
	defer parent.Close()
	cmd.ExtraFiles = append(cmd.ExtraFiles, child)
	w, err := startWorker(id, cmd)
	child.Close()
	if err != nil {
		return nil, err
	}

	files, err := set.Files()
	if err == nil {
		err = socket.SendFiles(parent, files)
		s.restoreNonblocking(files)
		closeFiles(files)
	}
	if err != nil {
		_ = w.Kill()
		<-w.Done()
		return nil, fmt.Errorf("send sockets: %w", err)
	}
	return w, nil
}

// restoreNonblocking undoes the blocking mode that handing files to a worker
// leaves on the shared sockets. A blocking listener would keep serving
// workers in accept(2) past a stop.
func (s *Supervisor) restoreNonblocking(files []*os.File) {
	if err := socket.SetNonblocking(files); err != nil {
		s.logger.Warn("Cannot restore non-blocking sockets", zap.Error(err))
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// join waits for every worker to exit. Once ctx is done the shutdown signal
// is set; workers still running after the grace period are terminated and,
// after killTimeout, killed. It returns the number of workers that failed
// before a shutdown was requested and whether ctx requested one.
func (s *Supervisor) join(ctx context.Context, sig *shutdown.Signal) (failures int, requested bool) {
	workers := s.Workers()
	exited := make(chan *Worker, len(workers))
	for _, w := range workers {
		go func() {
			<-w.Done()
			exited <- w
		}()
	}

	var (
		graceTimer, killTimer <-chan time.Time
		escalating            bool
	)
	stopping := func(reason string) {
		if sig.Set() {
			s.logger.Info("Shutting down workers", zap.String("reason", reason))
		}
		if !escalating {
			escalating = true
			graceTimer = time.After(s.cfg.ShutdownGracePeriod)
		}
	}
	if sig.IsSet() {
		stopping("spawn failure")
	}

	done := ctx.Done()
	for remaining := len(workers); remaining > 0; {
		select {
		case <-done:
			done = nil
			requested = true
			stopping("interrupt")

		case w := <-exited:
			remaining--
			code := w.ExitCode()
			s.metrics.WorkerExited(code)
			if code == ExitOK || sig.IsSet() {
				s.logger.Info("Worker exited", zap.Int("worker", w.ID), zap.Int("worker_pid", w.Pid()), zap.Int("code", code))
				continue
			}
			failures++
			s.logger.Error("Worker failed", zap.Int("worker", w.ID), zap.Int("worker_pid", w.Pid()), zap.Int("code", code))
			if s.cfg.AbortOnWorkerFailure {
				stopping("worker failure")
			}

		case <-graceTimer:
			graceTimer = nil
			for _, w := range workers {
				if !w.Running() {
					continue
				}
				s.logger.Warn("Worker did not stop in time, terminating", zap.Int("worker", w.ID), zap.Int("worker_pid", w.Pid()))
				s.metrics.ForceStopped()
				if err := w.Terminate(); err != nil {
					s.logger.Warn("Cannot terminate worker", zap.Int("worker", w.ID), zap.Error(err))
				}
			}
			killTimer = time.After(killTimeout)

		case <-killTimer:
			killTimer = nil
			s.forceStop()
		}
	}
	return failures, requested
}

// forceStop kills every worker that is still running.
func (s *Supervisor) forceStop() {
	for _, w := range s.Workers() {
		if !w.Running() {
			continue
		}
		s.logger.Warn("Killing worker", zap.Int("worker", w.ID), zap.Int("worker_pid", w.Pid()))
		if err := w.Kill(); err != nil {
			s.logger.Warn("Cannot kill worker", zap.Int("worker", w.ID), zap.Error(err))
		}
	}
}
