// Package app wires a configuration and a core.Engine into a runnable
// prefork server.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/searchktools/prefork/config"
	"github.com/searchktools/prefork/core"
	"github.com/searchktools/prefork/core/logging"
	"github.com/searchktools/prefork/core/supervisor"
	"github.com/searchktools/prefork/core/worker"
)

// App is a server built around one engine
type App struct {
	cfg    *config.Config
	engine *core.Engine
}

// New creates an application instance with an empty engine
func New(cfg *config.Config) *App {
	return NewWithEngine(cfg, core.NewEngine())
}

// NewWithEngine creates an application instance with a pre-configured engine
func NewWithEngine(cfg *config.Config, engine *core.Engine) *App {
	c := *cfg
	config.ApplyDefaults(&c)
	return &App{
		cfg:    &c,
		engine: engine,
	}
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run serves the application until SIGINT or SIGTERM.
//
// The same program runs as supervisor and as worker: in a process spawned as
// a worker, Run serves the engine and exits the process. Routes must therefore
// be registered before Run is called. When the reloader fires, the process
// is replaced by a fresh copy of itself.
func (a *App) Run() error {
	if supervisor.IsWorkerProcess() {
		os.Exit(supervisor.RunWorkerProcess(a.engine))
	}

	logger, err := logging.New(a.cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = a.Serve(ctx, logger)
	if errors.Is(err, worker.ErrReload) {
		logger.Info("Restarting")
		_ = logger.Sync()
		return worker.Restart()
	}
	return err
}

// Serve runs the supervisor until ctx is done.
func (a *App) Serve(ctx context.Context, logger *zap.Logger) error {
	logger.Info("Starting server",
		zap.Int("workers", a.cfg.Workers),
		zap.String("worker_class", a.cfg.WorkerClass),
	)
	return supervisor.New(a.cfg, a.engine, supervisor.WithLogger(logger)).Run(ctx)
}
